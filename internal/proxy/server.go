// Package proxy implements the TLS-terminating reverse proxy: the
// /v1/messages interception path, passthrough for every other API route,
// and the admin endpoints.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	. "github.com/synix-dev/dbproxy/internal/logging"
)

// Server wraps the net/http server with the proxy's routes and TLS config.
type Server struct {
	http *http.Server
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr string      // host:port to listen on
	TLS  *tls.Config // server certificate; nil serves plain HTTP (tests)
}

// NewServer builds the proxy server. mounts let other components (the
// dashboard) register their own routes on the same mux.
func NewServer(cfg ServerConfig, h *Handler, mounts ...func(*http.ServeMux)) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", h.HandleMessages)
	mux.HandleFunc("POST /v1/_reset", h.HandleReset)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("/v1/", h.HandlePassthrough)
	mux.HandleFunc("/api/", h.HandlePassthrough)
	for _, mount := range mounts {
		mount(mux)
	}

	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			TLSConfig:         cfg.TLS,
			ReadHeaderTimeout: 30 * time.Second,
			// No WriteTimeout: SSE responses stream for minutes.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// ListenAndServe runs the server until Shutdown. Blocks.
func (s *Server) ListenAndServe() error {
	tlsEnabled := s.http.TLSConfig != nil
	L_info("proxy: listening", "addr", s.http.Addr, "tls", tlsEnabled)

	var err error
	if tlsEnabled {
		err = s.http.ListenAndServeTLS("", "")
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	L_info("proxy: shutting down")
	return s.http.Shutdown(ctx)
}
