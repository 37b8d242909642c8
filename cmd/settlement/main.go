package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"cardsettle/internal/common/database"
	"cardsettle/internal/common/events"
	"cardsettle/internal/common/metrics"
	"cardsettle/internal/common/middleware"
	"cardsettle/internal/common/nats"
	"cardsettle/internal/common/retry"
	"cardsettle/internal/common/ttlcache"
	"cardsettle/internal/providers/gateway"
	"cardsettle/internal/providers/issuer"
	"cardsettle/internal/settlement"
	"cardsettle/internal/settlement/api"
)

// Config holds service configuration
type Config struct {
	Port           int           `envconfig:"SETTLEMENT_PORT" default:"8090"`
	Environment    string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database   database.Config
	NATS       nats.Config
	Issuer     issuer.Config
	Gateway    gateway.Config
	Settlement settlement.Config
}

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

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

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Storage
	var (
		store settlement.Store
		db    *database.DB
	)
	if cfg.Database.Enabled() {
		err := retry.Do(ctx, retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}, func(attempt int) error {
			var err error
			db, err = database.New(ctx, cfg.Database, logger)
			if errors.Is(err, database.ErrInvalidURL) {
				return retry.Permanent(err)
			}
			if err != nil {
				logger.Warn("database not ready", "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database, logger); err != nil {
				logger.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
		}
		store = settlement.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, settlements are kept in memory")
		store = settlement.NewMemoryStore()
	}

	// Events
	var (
		publisher  events.EventPublisher = events.NopPublisher{}
		natsClient *nats.Client
	)
	if cfg.NATS.Enabled() {
		var err error
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		streamCfg := nats.DefaultStreamConfig(cfg.NATS.Stream, []string{nats.Subject("settlement.>")})
		streamCfg.Description = "Settlement lifecycle events"
		if _, err := natsClient.EnsureStream(ctx, streamCfg); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(natsClient, logger)
	}

	// Providers
	vendor, err := issuer.NewClient(cfg.Issuer, logger)
	if err != nil {
		logger.Error("failed to create issuer client", "error", err)
		os.Exit(1)
	}
	verifier, err := gateway.NewVerifier(cfg.Gateway.KeySecret)
	if err != nil {
		logger.Error("failed to create payment verifier", "error", err)
		os.Exit(1)
	}
	gatewayClient, err := gateway.NewClient(cfg.Gateway, logger)
	if err != nil {
		logger.Error("failed to create gateway client", "error", err)
		os.Exit(1)
	}

	// Create services
	settlementService, err := settlement.NewService(store, vendor, verifier, publisher, cfg.Settlement, logger)
	if err != nil {
		logger.Error("failed to create settlement service", "error", err)
		os.Exit(1)
	}
	settlementService.SetGateway(gatewayClient)

	if cfg.Settlement.SweepEnabled {
		go settlement.NewSweeper(settlementService, logger).Run(ctx)
	}

	idempotencyCache := ttlcache.New(nil)
	go idempotencyCache.Run(ctx, time.Minute)

	// Create handlers
	settlementHandler := api.NewHandler(settlementService, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(metrics.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := healthCheck(r.Context(), db, natsClient); err != nil {
			logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/settlement", settlementHandler.Routes())
		r.Route("/payment-intents", func(r chi.Router) {
			r.Use(middleware.Idempotency(idempotencyCache, cfg.IdempotencyTTL, logger))
			r.Mount("/", settlementHandler.IntentRoutes())
		})
	})

	// Confirm holds the request open across vendor retries, so the write
	// timeout must cover every attempt plus backoff.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting settlement service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"persistent", cfg.Database.Enabled(),
			"events", cfg.NATS.Enabled(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func healthCheck(ctx context.Context, db *database.DB, nc *nats.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return err
		}
	}
	if nc != nil {
		if err := nc.HealthCheck(); err != nil {
			return err
		}
	}
	return nil
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
