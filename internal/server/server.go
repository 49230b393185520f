// Package server provides the orchestrator HTTP server: the worker-facing
// claim protocol endpoints, the admin API, the activity stream, and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/parallax-code/gantry/internal/config"
	"github.com/parallax-code/gantry/internal/metrics"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/service"
)

// Config holds the server configuration.
type Config struct {
	// Host is the address to bind to (default "127.0.0.1").
	Host string

	// Port is the TCP port to listen on (default 7433).
	Port int

	// DB is the database connection.
	DB *sql.DB

	// AgentKey is the shared service key workers present as X-Agent-Key.
	// Empty disables the check.
	AgentKey string

	// Defaults are the global ticket settings projects override.
	Defaults config.DefaultsConfig

	// Logger for server events (optional).
	Logger *slog.Logger

	// Metrics collects the orchestrator counters (optional; a fresh
	// registry is created when nil).
	Metrics *metrics.Metrics
}

// Server is the orchestrator HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	router     *http.ServeMux
	logger     *slog.Logger
	metrics    *metrics.Metrics
	hub        *Hub

	tickets     *service.TicketService
	escalations *service.EscalationService
	epics       *service.EpicService
	stats       *service.StatsService
}

// New creates a Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 7433
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		config:      cfg,
		router:      http.NewServeMux(),
		logger:      logger,
		metrics:     m,
		hub:         NewHub(),
		tickets:     service.NewTicketService(cfg.DB, cfg.Defaults),
		escalations: service.NewEscalationService(cfg.DB),
		epics:       service.NewEpicService(cfg.DB),
		stats:       service.NewStatsService(cfg.DB),
	}

	// Every committed append reaches stream subscribers and the counters.
	s.tickets.OnEvent(s.publish)

	s.setupRoutes()

	return s, nil
}

// publish delivers one committed event to stream subscribers and counts it.
func (s *Server) publish(ev *models.Event) {
	s.hub.Publish(ev)
	s.metrics.Events.WithLabelValues(string(ev.Category)).Inc()
}

// EventSink returns the publish hook for background sweeps, so their
// appends feed the same stream and counters as API-driven ones.
func (s *Server) EventSink() func(*models.Event) {
	return s.publish
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// No WriteTimeout: activity streams stay open indefinitely.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("orchestrator listening", "addr", listener.Addr().String())

	return s.httpServer.Serve(listener)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the configured bind address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
