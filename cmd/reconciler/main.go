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
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payrecon/internal/common/api"
	"payrecon/internal/common/database"
	"payrecon/internal/common/events"
	"payrecon/internal/common/middleware"
	"payrecon/internal/common/nats"
	"payrecon/internal/common/redislock"
	"payrecon/internal/gateway"
	"payrecon/internal/health"
	"payrecon/internal/reconcile"
	reconapi "payrecon/internal/reconcile/api"
	"payrecon/internal/storage"
	"payrecon/internal/sweep"
)

// Config holds service configuration
type Config struct {
	Port          int           `envconfig:"RECONCILER_PORT" default:"8090"`
	Environment   string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string        `envconfig:"LOG_FORMAT" default:"json"`
	StorageDriver string        `envconfig:"STORAGE_DRIVER" default:"postgres"`
	AdminToken    string        `envconfig:"ADMIN_API_TOKEN"`
	CORSOrigins   []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	WriteTimeout  time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"2m"`

	Database database.Config
	NATS     nats.Config
	Redis    redislock.Config
	Gateway  gateway.Config
	Engine   reconcile.Config
	Sweep    sweep.Config
	Health   health.Config
}

func main() {
	// A .env file is optional; the environment wins.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("reconciler exited", "error", err)
		os.Exit(1)
	}
}

// validateConfig rejects settings the service must not start with. Only a
// development environment may run the reconciliation API without a token.
func validateConfig(cfg Config) error {
	if cfg.AdminToken == "" && cfg.Environment != "development" {
		return fmt.Errorf("ADMIN_API_TOKEN is required when ENVIRONMENT is %q", cfg.Environment)
	}
	return nil
}

// dependency is something /health checks before reporting healthy.
type dependency struct {
	component string
	check     func(context.Context) error
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	uow, deps, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		publisher events.EventPublisher = events.NopPublisher{}
		broker    *nats.Client
	)
	if cfg.NATS.Enabled() {
		if broker, err = connectBroker(ctx, cfg.NATS, logger); err != nil {
			return err
		}
		defer broker.Drain()
		publisher = nats.NewPublisher(broker, logger)
		deps = append(deps, dependency{"nats", func(context.Context) error { return broker.HealthCheck() }})
	} else {
		logger.Info("NATS_URL not set, events are discarded")
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	gw := gateway.NewClient(cfg.Gateway, logger)
	engine := reconcile.NewEngine(uow, gw, publisher, reconcile.NewMetrics(registry), cfg.Engine, logger)
	scheduler := sweep.NewScheduler(uow.Transactions(), engine, locker, publisher, sweep.NewMetrics(registry), cfg.Sweep, logger)
	reporter := health.NewReporter(uow, cfg.Health, logger)

	if broker != nil {
		consumer, err := broker.VerifyConsumer(ctx, events.CommandVerifyTransaction)
		if err != nil {
			return err
		}
		go func() {
			err := nats.NewSubscriber(consumer, logger).Start(ctx, engine.HandleVerifyCommand)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("verify command consumer stopped", "error", err)
			}
		}()
	}

	if cfg.Sweep.Enabled {
		go func() {
			if err := scheduler.Run(ctx); err != nil {
				logger.Error("sweep scheduler stopped", "error", err)
			}
		}()
	}

	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_API_TOKEN not set, reconciliation API is unauthenticated", "environment", cfg.Environment)
	}

	handler := reconapi.NewHandler(engine, scheduler, reporter, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(cfg, logger, registry, deps, handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting reconciliation service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"storage", cfg.StorageDriver,
			"sweep_enabled", cfg.Sweep.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStorage(ctx context.Context, cfg Config, logger *slog.Logger) (storage.UnitOfWork, []dependency, func(), error) {
	switch cfg.StorageDriver {
	case "memory":
		logger.Warn("using in-memory storage, state is lost on restart")
		return storage.NewMemory(), nil, func() {}, nil
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				return nil, nil, nil, fmt.Errorf("migrating database: %w", err)
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return storage.NewPostgres(db, logger), []dependency{{"database", db.HealthCheck}}, db.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func connectBroker(ctx context.Context, cfg nats.Config, logger *slog.Logger) (*nats.Client, error) {
	client, err := nats.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureStream(ctx); err != nil {
		client.Drain()
		return nil, err
	}
	return client, nil
}

// newLocker uses Redis when REDIS_ADDR is set so replicas share one sweep.
func newLocker(ctx context.Context, cfg redislock.Config, logger *slog.Logger) (redislock.Locker, func(), error) {
	if cfg.Addr == "" {
		logger.Info("REDIS_ADDR not set, sweep lock is process-local")
		return redislock.NewLocalLocker(), func() {}, nil
	}
	rl, err := redislock.NewRedisLocker(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return rl, func() { _ = rl.Close() }, nil
}

func newRouter(cfg Config, logger *slog.Logger, registry *prometheus.Registry, deps []dependency, handler *reconapi.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.CorrelationHeader},
		ExposedHeaders:   []string{middleware.CorrelationHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, p := range deps {
			if err := p.check(r.Context()); err != nil {
				logger.Warn("health check failed", "component", p.component, "error", err)
				api.WriteData(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "component": p.component})
				return
			}
		}
		api.WriteData(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		api.WriteData(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	r.Route("/api/v1/reconciliation", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminToken))
		r.Mount("/", handler.Routes())
	})

	return r
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
