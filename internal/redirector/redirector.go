// Package redirector implements a small HTTP CONNECT proxy for clients that
// honor HTTPS_PROXY instead of /etc/hosts. Tunnels to api.anthropic.com:443
// are redirected to the local intercepting proxy; every other target is
// tunneled to its real destination. The redirector never terminates TLS,
// the client handshakes directly with whichever endpoint the tunnel reaches.
package redirector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	. "github.com/synix-dev/dbproxy/internal/logging"
)

const (
	redirectHost  = "api.anthropic.com"
	headerTimeout = 30 * time.Second
	dialTimeout   = 30 * time.Second
	relayBufSize  = 64 * 1024
)

// Redirector accepts CONNECT requests and tunnels them.
type Redirector struct {
	addr        string
	proxyTarget string

	mu sync.Mutex
	ln net.Listener
}

// New creates a redirector listening on addr. Tunnels for the intercepted
// hostname are redirected to proxyTarget (normally 127.0.0.1:443).
func New(addr, proxyTarget string) *Redirector {
	if proxyTarget == "" {
		proxyTarget = "127.0.0.1:443"
	}
	return &Redirector{addr: addr, proxyTarget: proxyTarget}
}

// Addr returns the bound listen address, or the configured one before Serve.
func (r *Redirector) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		return r.ln.Addr().String()
	}
	return r.addr
}

// Serve listens and handles connections until Close is called.
func (r *Redirector) Serve() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.addr, err)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
	L_info("redirector: listening", "addr", ln.Addr().String(), "proxy_target", r.proxyTarget)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go r.handleConn(conn)
	}
}

// Close stops the listener. In-flight tunnels are left to drain.
func (r *Redirector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Close()
}

func (r *Redirector) handleConn(client net.Conn) {
	defer client.Close()
	peer := client.RemoteAddr().String()

	_ = client.SetReadDeadline(time.Now().Add(headerTimeout))
	br := bufio.NewReaderSize(client, 4096)

	line, err := br.ReadString('\n')
	if err != nil {
		L_warn("redirector: header read failed", "peer", peer, "error", err)
		return
	}
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 || strings.ToUpper(parts[0]) != "CONNECT" {
		L_warn("redirector: not a CONNECT request", "peer", peer, "line", strings.TrimSpace(line))
		fmt.Fprint(client, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}
	if len(parts) < 2 {
		L_warn("redirector: malformed CONNECT", "peer", peer, "line", strings.TrimSpace(line))
		fmt.Fprint(client, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return
	}
	target := parts[1]
	host, port, err := splitTarget(target)
	if err != nil {
		L_warn("redirector: bad target", "peer", peer, "target", target, "error", err)
		fmt.Fprint(client, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return
	}

	// Drain the remaining CONNECT headers up to the blank line.
	for {
		h, err := br.ReadString('\n')
		if err != nil {
			L_warn("redirector: headers truncated", "peer", peer, "error", err)
			return
		}
		if h == "\r\n" || h == "\n" {
			break
		}
	}
	_ = client.SetReadDeadline(time.Time{})

	dest := net.JoinHostPort(host, port)
	if host == redirectHost && port == "443" {
		dest = r.proxyTarget
		L_info("redirector: redirecting tunnel", "peer", peer, "target", target, "dest", dest)
	} else {
		L_info("redirector: passthrough tunnel", "peer", peer, "target", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", dest)
	if err != nil {
		L_error("redirector: upstream dial failed", "target", target, "dest", dest, "error", err)
		fmt.Fprint(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer upstream.Close()

	if _, err := fmt.Fprint(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	// Bytes the client pipelined after the CONNECT headers are still in br.
	go relay(upstream, br, &wg)
	go relay(client, upstream, &wg)
	wg.Wait()
}

// relay copies bytes until EOF, then half-closes the write side so the
// opposite relay can still deliver its remaining data.
func relay(dst net.Conn, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, relayBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func splitTarget(target string) (host, port string, err error) {
	if !strings.Contains(target, ":") {
		return target, "443", nil
	}
	host, port, err = net.SplitHostPort(target)
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}
