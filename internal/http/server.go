// Package http exposes the pairing service over HTTP: session creation, the
// per-session server-sent event stream and a health probe.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/wapair/internal/config"
	"github.com/nextlevelbuilder/wapair/internal/pairing"
)

// Server wires the HTTP surface to the session registry.
type Server struct {
	cfg      config.Config
	registry *pairing.Registry
	limiter  *RateLimiter
	started  time.Time
	srv      *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg config.Config, registry *pairing.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  NewRateLimiter(cfg.RateMax, cfg.RateWindow),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.HandleFunc("POST /api/pair", s.handlePair)
	mux.HandleFunc("GET /pair/events/{id}", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": s.registry.Len(),
		"uptime":         int64(time.Since(s.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// clientKey extracts the rate-limit key (client IP) from the request.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
