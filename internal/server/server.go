// Package server implements the elevation profile HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/twpayne/go-demprofile"
)

// A Profiler computes elevation profiles.
type Profiler interface {
	Profile(ctx context.Context, req demprofile.ProfileRequest) (demprofile.Profile, error)
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer     *http.Server
	logger         *slog.Logger
	profiler       Profiler
	requestTimeout time.Duration
	ready          atomic.Bool
}

// NewServer creates a configured HTTP server. Profile computations are
// canceled after requestTimeout.
func NewServer(addr string, logger *slog.Logger, profiler Profiler, requestTimeout time.Duration) *Server {
	s := &Server{
		logger:         logger,
		profiler:       profiler,
		requestTimeout: requestTimeout,
	}
	s.ready.Store(true)

	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("POST /elevation-profile", s.handleElevationProfile)

	// Build middleware chain: metrics -> logging -> mux.
	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown marks the server as not ready and gracefully shuts it down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.httpServer.Shutdown(ctx)
}
