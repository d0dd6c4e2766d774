package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	natsclient "paycore/internal/common/nats"
	"paycore/internal/gateway"
	"paycore/internal/gateway/api"
	"paycore/internal/processor"
	"paycore/internal/processors/dummy"
	"paycore/internal/processors/payu"
	"paycore/internal/processors/transfer"
	"paycore/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYCORE_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// MigrateOnStart applies pending schema migrations before serving.
	MigrateOnStart bool `envconfig:"MIGRATE_ON_START" default:"true"`

	// EventsEnabled wires the NATS event publisher. Off means lifecycle
	// events are dropped.
	EventsEnabled bool `envconfig:"EVENTS_ENABLED" default:"true"`

	// BackendSettings is a JSON mapping of backend slug to its option
	// block, e.g. {"payu":{"pos_id":"...","second_key":"..."}}.
	BackendSettings string `envconfig:"BACKEND_SETTINGS" default:"{}"`

	// AllowedOrigins is the CORS origin allowlist for the browser-facing
	// endpoints.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	Database database.Config
	NATS     natsclient.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply schema migrations
	if cfg.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, migrations.FS, "."); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS and ensure the event stream
	var publisher gateway.Publisher
	var nc *natsclient.Client
	if cfg.EventsEnabled {
		nc, err = natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if err := nc.EnsureStream(ctx); err != nil {
			logger.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		publisher = natsclient.NewPublisher(nc, logger)
	}

	// Parse per-backend settings
	settings, err := parseBackendSettings(cfg.BackendSettings)
	if err != nil {
		logger.Error("failed to parse backend settings", "error", err)
		os.Exit(1)
	}

	// Register backends, then freeze the registry for the process lifetime
	registry := processor.NewRegistry()
	for _, entry := range []processor.Entry{payu.Entry(), dummy.Entry(), transfer.Entry()} {
		if err := registry.Register(entry); err != nil {
			logger.Error("failed to register backend", "slug", entry.Slug, "error", err)
			os.Exit(1)
		}
	}
	registry.Freeze()
	logger.Info("payment backends registered", "backends", registry.Slugs())

	// Create services
	store := gateway.NewPostgresStore()
	service := gateway.NewService(db, db, store, registry, settings, publisher, logger)

	// Create handlers
	handler := api.NewHandler(service, registry, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if nc != nil {
			if err := nc.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payment gateway",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// parseBackendSettings decodes the slug -> options mapping into scoped
// Settings blocks.
func parseBackendSettings(raw string) (map[string]processor.Settings, error) {
	var decoded map[string]map[string]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decoding BACKEND_SETTINGS: %w", err)
	}
	settings := make(map[string]processor.Settings, len(decoded))
	for slug, values := range decoded {
		settings[slug] = processor.NewSettings(values)
	}
	return settings, nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
