// Package upstream provides the HTTP client the proxy uses to reach the
// real API. Because /etc/hosts points the API hostname at the proxy itself,
// the client resolves the hostname through public DNS servers instead of the
// system resolver, then dials the resolved address while keeping the real
// hostname for SNI and certificate verification.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	. "github.com/synix-dev/dbproxy/internal/logging"
)

// Public resolvers tried in order when looking up the upstream host.
var dnsServers = []string{"8.8.8.8:53", "1.1.1.1:53"}

const (
	dialTimeout         = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	dnsTimeout          = 5 * time.Second
)

// Client talks to the upstream API, bypassing the local hosts override.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient builds a client for the given base URL. The client carries no
// global timeout; callers bound each request through its context so
// long-lived SSE streams are not cut off.
func NewClient(baseURL string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL %q must be http or https", baseURL)
	}

	c := &Client{base: base}
	transport := &http.Transport{
		DialContext:           c.dialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	c.http = &http.Client{Transport: transport}
	return c, nil
}

// Host returns the upstream hostname.
func (c *Client) Host() string { return c.base.Hostname() }

// dialContext resolves the host through public DNS and dials the resolved
// address. The returned connection carries the original hostname upward, so
// the transport's TLS handshake still verifies against the real name.
func (c *Client) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, addr)
	}

	ip, err := resolvePublic(ctx, host)
	if err != nil {
		// Without an override hosts entry the system resolver still works;
		// with one this dial loops back to the proxy and fails the handshake.
		L_warn("upstream: public DNS resolution failed, using system resolver",
			"host", host, "error", err)
		return dialer.DialContext(ctx, network, addr)
	}

	L_debug("upstream: resolved", "host", host, "ip", ip)
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

// resolvePublic looks up host through each public DNS server in turn and
// returns the first address.
func resolvePublic(ctx context.Context, host string) (string, error) {
	var lastErr error
	for _, server := range dnsServers {
		srv := server
		r := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: dnsTimeout}
				return d.DialContext(ctx, network, srv)
			},
		}
		lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
		addrs, err := r.LookupIPAddr(lookupCtx, host)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		for _, a := range addrs {
			// Prefer IPv4; the redirector environments often lack v6 routes.
			if v4 := a.IP.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
		if len(addrs) > 0 {
			return addrs[0].IP.String(), nil
		}
		lastErr = fmt.Errorf("no addresses for %s via %s", host, server)
	}
	return "", lastErr
}

// Do sends a request to the upstream. pathAndQuery is joined onto the base
// URL; headers replace any defaults. The response body is the caller's to
// close.
func (c *Client) Do(ctx context.Context, method, pathAndQuery string, headers map[string]string, body io.Reader) (*http.Response, error) {
	target := c.base.Scheme + "://" + c.base.Host + pathAndQuery
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Host = c.base.Hostname()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", method, pathAndQuery, err)
	}
	return resp, nil
}

// Post sends a JSON body to the upstream. Satisfies the checkpoint caller's
// Doer interface.
func (c *Client) Post(ctx context.Context, pathAndQuery string, headers map[string]string, body []byte) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, pathAndQuery, headers, bytes.NewReader(body))
}

// CloseIdle drops idle keep-alive connections, used on shutdown.
func (c *Client) CloseIdle() {
	c.http.CloseIdleConnections()
}
