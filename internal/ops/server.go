// Package ops exposes the gateway's operational HTTP surface: liveness and
// a stats snapshot for dashboards and debugging.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ucd-library/pg-farm-sub000/internal/proxy"
	"github.com/ucd-library/pg-farm-sub000/internal/session"
)

// WakeStats reports wake coordinator activity.
type WakeStats interface {
	InFlight() int
}

// Server serves the operational endpoints.
type Server struct {
	proxy    *proxy.Server
	registry *session.Registry
	wake     WakeStats
	logger   *slog.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds the ops server. wake may be nil when the gateway runs
// without a wake coordinator.
func NewServer(addr string, p *proxy.Server, reg *session.Registry, wake WakeStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		proxy:     p,
		registry:  reg,
		wake:      wake,
		logger:    logger.With("component", "ops"),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ops endpoint listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

type statsResponse struct {
	UptimeSeconds int64          `json:"uptime_seconds"`
	Proxy         proxy.Stats    `json:"proxy"`
	Sessions      int            `json:"sessions"`
	Sockets       map[string]int `json:"sockets"`
	WakesInFlight int            `json:"wakes_in_flight"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	sockets := make(map[string]int)
	for role, n := range s.registry.Counts() {
		sockets[string(role)] = n
	}

	resp := statsResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Proxy:         s.proxy.Stats(),
		Sessions:      s.registry.SessionCount(),
		Sockets:       sockets,
	}
	if s.wake != nil {
		resp.WakesInFlight = s.wake.InFlight()
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}
