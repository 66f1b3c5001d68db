package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"secure-file-share/internal/access"
	"secure-file-share/internal/audit"
	"secure-file-share/internal/config"
	"secure-file-share/internal/db"
	"secure-file-share/internal/logging"
	"secure-file-share/internal/server"
	"secure-file-share/internal/storage"
	"secure-file-share/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("backend", pflag.ContinueOnError)
	configPath := fs.String("config", getenvDefault("SFS_CONFIG", ""), "path to a YAML config file")
	addr := fs.String("addr", "", "listen address, overrides SFS_ADDR")
	migrateOnly := fs.Bool("migrate-only", false, "apply database migrations and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	getenv := os.Getenv
	if fs.Changed("addr") {
		getenv = func(key string) string {
			if key == "SFS_ADDR" {
				return *addr
			}
			return os.Getenv(key)
		}
	}

	cfg, err := config.Load(*configPath, getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Options{Env: cfg.Env, Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings() {
		log.Warn("config warning", zap.String("detail", w))
	}

	ctx := context.Background()

	// Database
	var (
		sqlDB *sql.DB
		st    access.Store
	)
	if cfg.DatabaseURL != "" {
		sqlDB, err = db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer func() { _ = sqlDB.Close() }()

		log.Info("running migrations")
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations complete")
		st = store.NewPostgres(sqlDB)
	} else {
		st = store.NewMemory()
	}
	if *migrateOnly {
		if sqlDB == nil {
			return errors.New("--migrate-only needs a database_url")
		}
		return nil
	}

	// Object storage behind the circuit breaker.
	backend, err := storage.New(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	breaker := storage.NewCircuitBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, log.Named("storage"))
	objects := storage.NewGuarded(backend, breaker)

	metrics := server.NewMetrics()

	// Audit sinks
	var sinks audit.Multi
	if cfg.Audit.File != "" {
		fileSink, err := audit.OpenFile(cfg.Audit.File)
		if err != nil {
			return err
		}
		defer func() { _ = fileSink.Close() }()
		sinks = append(sinks, fileSink)
	}
	if cfg.Audit.DB && sqlDB != nil {
		sinks = append(sinks, audit.NewDBSink(sqlDB))
	}
	var sink audit.Sink = audit.Discard{}
	if len(sinks) > 0 {
		sink = sinks
	}
	recorder := audit.NewRecorder(sink, log.Named("audit"), cfg.Audit.Buffer, audit.WithDropHook(metrics.AuditDropped))

	svc := access.NewService(st, objects, recorder,
		access.WithLogger(log.Named("access")),
		access.WithBaseURL(cfg.BaseURL),
	)

	srv := server.New(server.Config{
		Addr:           cfg.Addr,
		BaseURL:        cfg.BaseURL,
		Build:          server.BuildInfo{Version: cfg.Version, Commit: cfg.Commit},
		JWTSecret:      cfg.JWTSecret,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		MaxUploadFiles: cfg.Upload.MaxFiles,
		CORSOrigins:    cfg.CORS.Origins,
		TrustedProxies: cfg.TrustedProxies,
		RateLimits: server.RateLimits{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			AuthPerMinute:     cfg.RateLimit.AuthPerMinute,
			LinkPerMinute:     cfg.RateLimit.LinkPerMinute,
		},
		Lockout: server.LockoutConfig{
			MaxAttempts: cfg.Lockout.MaxAttempts,
			Window:      cfg.Lockout.Window,
			Duration:    cfg.Lockout.Duration,
		},
		Service: svc,
		DB:      sqlDB,
		Storage: objects,
		Breaker: breaker,
		Metrics: metrics,
		Logger:  log,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting",
			zap.String("addr", cfg.Addr),
			zap.String("env", cfg.Env),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("version", cfg.Version),
			zap.String("commit", cfg.Commit))
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
		// Requests are done; flush what they recorded.
		if err := recorder.Close(shutdownCtx); err != nil {
			log.Warn("audit drain incomplete", zap.Error(err))
		}
		log.Info("shutdown complete")
		return nil
	case err := <-errCh:
		_ = recorder.Close(context.Background())
		return fmt.Errorf("server: %w", err)
	}
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
