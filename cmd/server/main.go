/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present), then config (defaults, file, TUTOR_* env)
  2. Build the logger
  3. Open the store selected by database.driver
  4. Connect the NATS publisher (optional; falls back to no events)
  5. Create handler, router and audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: search ./config.yaml, ./configs)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler, drain NATS, close the store
  4. Exit

EXAMPLES:
  # Local development with SQLite
  TUTOR_AUTH_JWT_SECRET=dev ./server

  # In-memory store with demo scenarios
  TUTOR_DATABASE_DRIVER=memory TUTOR_SCENARIOS_ENABLED=true TUTOR_AUTH_JWT_SECRET=dev ./server

  # PostgreSQL
  TUTOR_DATABASE_DRIVER=postgres TUTOR_DATABASE_URL=postgres://... ./server -config=prod.yaml

SEE ALSO:
  - config/config.go: Every key and its default
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tutortrack/points-engine/api"
	"github.com/tutortrack/points-engine/config"
	"github.com/tutortrack/points-engine/events"
	"github.com/tutortrack/points-engine/logging"
	"github.com/tutortrack/points-engine/metrics"
	"github.com/tutortrack/points-engine/points"
	"github.com/tutortrack/points-engine/points/store"
	"github.com/tutortrack/points-engine/store/postgres"
	"github.com/tutortrack/points-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logging.New(os.Stderr, "info", false)
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Pretty)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Initialize store
	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to initialize store")
	}
	defer st.Close()

	// Events
	var publisher points.Publisher = points.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, continuing without event publishing")
		} else {
			publisher = nc
			defer nc.Close()
		}
	}

	// Handler, router, scheduler
	m := metrics.New()
	handler := api.NewHandler(api.Config{
		Store:   st,
		Auth:    api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Metrics: m,
		Logger:  log,
		Options: []points.Option{points.WithPublisher(publisher)},
	})

	scenarios := cfg.Scenarios.Enabled && cfg.IsDev()
	if cfg.Scenarios.Enabled && !scenarios {
		log.Warn().Str("env", cfg.Env).Msg("scenarios are only served in development environments")
	}
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Scenarios:   scenarios,
	})

	audit := api.NewAuditScheduler(st, m, log, cfg.Audit.Interval)
	audit.Start()
	defer audit.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("env", cfg.Env).
			Str("driver", cfg.Database.Driver).
			Bool("scenarios", scenarios).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (points.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil

	case config.DriverPostgres:
		pool, err := postgres.Open(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		log.Info().Int32("max_conns", cfg.MaxConns).Msg("connected to PostgreSQL")
		return pg, nil

	default:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, err
			}
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Path).Msg("opened SQLite database")
		return s, nil
	}
}
