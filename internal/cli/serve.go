package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/metrics"
	"github.com/parallax-code/gantry/internal/server"
	"github.com/parallax-code/gantry/internal/tasks"
)

// Serve command flags
var (
	serveHost string
	servePort int
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host address to bind to (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator server",
	Long: `Start the orchestrator HTTP server that agents claim work from.

The server provides:
  - The worker protocol: claim, heartbeat, advance, complete, fail
  - The admin API: tickets, dependencies, epics, escalations, stats
  - The activity event stream (SSE)
  - Prometheus metrics on /metrics

Two background sweeps run alongside the API: the reclaim sweep returns
expired claims to the queue (quarantining tickets with a spent attempt
budget), and the dependency-health sweep escalates tickets stuck behind
a prerequisite that can never complete.

Examples:
  gantry serve                  # Bind 127.0.0.1:7433 (config default)
  gantry serve --port 8433      # Custom port
  gantry serve --host 0.0.0.0   # All interfaces`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	host := serveHost
	if host == "" {
		host = cfg.Server.Host
	}
	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}

	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	// Migrations are idempotent; running them here means a fresh binary
	// against an old database just works.
	if err := database.Migrate(); err != nil {
		return ErrDatabase(err, "failed to run migrations")
	}

	level := slog.LevelInfo
	if IsVerbose() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m := metrics.New()

	srv, err := server.New(server.Config{
		Host:     host,
		Port:     port,
		DB:       database.DB,
		AgentKey: cfg.AgentKey,
		Defaults: cfg.Defaults,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background sweeps publish their events through the same sink as
	// API-driven appends, so stream subscribers see everything.
	reclaimer := tasks.NewReclaimer(database.DB)
	reclaimer.OnEvent(srv.EventSink())
	go reclaimer.RunDaemon(ctx, cfg.ClaimTTL()/4, func(result *tasks.ReclaimResult, err error) {
		if err != nil {
			logger.Error("reclaim sweep failed", "error", err)
			return
		}
		m.Reclaims.Add(float64(result.Reclaimed))
		m.Quarantines.Add(float64(result.Quarantined))
		if result.Reclaimed > 0 || result.Quarantined > 0 {
			logger.Info("reclaim sweep",
				"scanned", result.Scanned,
				"reclaimed", result.Reclaimed,
				"quarantined", result.Quarantined)
		}
	})

	depHealth := tasks.NewDepHealth(database.DB)
	depHealth.OnEvent(srv.EventSink())
	go depHealth.RunDaemon(ctx, 5*time.Minute, func(result *tasks.DepHealthResult, err error) {
		if err != nil {
			logger.Error("dependency health sweep failed", "error", err)
			return
		}
		if result.Flagged > 0 {
			logger.Info("dependency health sweep",
				"scanned", result.Scanned,
				"flagged", result.Flagged)
		}
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	OutputLine("Gantry orchestrator starting at http://%s", srv.Address())
	OutputLine("Press Ctrl+C to stop")

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		OutputLine("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	OutputLine("Server stopped")
	return nil
}
