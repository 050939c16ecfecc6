// Package server exposes the ops endpoints of a process.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/config"
	"github.com/ethpandaops/opendata-ingest/internal/handlers"
	"github.com/ethpandaops/opendata-ingest/internal/middleware"
)

// Server represents the ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     logrus.FieldLogger
}

// New creates a server with health, readiness, version and metrics routes.
func New(logger logrus.FieldLogger, cfg config.ServerConfig, ready handlers.Probe) *Server {
	logger = logger.WithField("component", "server")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.Health())
	mux.HandleFunc("GET /ready", handlers.Ready(ready))
	mux.HandleFunc("GET /version", handlers.Version())
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := middleware.Logging(logger)(mux)
	handler = middleware.Recovery(logger)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start starts the HTTP server (blocking call).
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting ops server")

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ops server")

	return s.httpServer.Shutdown(ctx)
}
