package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/config"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/handler"
	"github.com/fieldline/coordinator/internal/health"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/middleware"
	"github.com/fieldline/coordinator/internal/schema"
	"github.com/fieldline/coordinator/internal/server"
	"github.com/fieldline/coordinator/internal/service"
	"github.com/fieldline/coordinator/internal/store"
	"github.com/fieldline/coordinator/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting coordinator service")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.Int("min_schema_version", cfg.Compat.MinSchemaVersion),
		zap.Int("max_schema_version", cfg.Compat.MaxSchemaVersion))

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	logger.Info("Metrics initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Document store (PostgreSQL)
	docs, err := docstore.NewPostgres(ctx, cfg.Database.ConnString(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize document store", zap.Error(err))
	}
	defer docs.Close()
	logger.Info("Document store initialized")

	// Idempotency store (Redis)
	idempotencyStore, err := store.NewRedisIdempotencyStore(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize idempotency store", zap.Error(err))
	}
	defer idempotencyStore.Close()
	logger.Info("Idempotency store initialized")

	cache := store.NewInMemoryCache(cfg.Cache.MaxSize, logger)
	logger.Info("Cache initialized")

	// Services
	logger.Info("Initializing services")

	tenantService := service.NewTenantService(docs, cache, cfg.Cache.TenantTTL, logger)
	sequenceService := service.NewSequenceService(docs, tenantService, cfg.Sequencer.Counters, service.SequenceConfig{
		MaxAttempts: cfg.Sequencer.MaxAttempts,
		BaseBackoff: cfg.Sequencer.BaseBackoff,
		MaxBackoff:  cfg.Sequencer.MaxBackoff,
	}, m, logger)
	writeGate := service.NewWriteGateService(tenantService, cfg.Compat.VersionRange(), m, logger)
	recordService := service.NewRecordService(docs, writeGate, logger)
	idempotencyService := service.NewIdempotencyService(idempotencyStore, cfg.Redis.ResponseTTL, logger)
	migrationService := service.NewMigrationService(docs, tenantService, schema.Default(), service.MigrationConfig{
		BatchSize:          cfg.Migration.BatchSize,
		StallThreshold:     cfg.Migration.StallThreshold,
		SweepInterval:      cfg.Migration.SweepInterval,
		EstimateThroughput: cfg.Migration.EstimateThroughput,
	}, m, logger)

	// Offline reconciliation: the change feed drives sequence assignment
	// for records synced without a number
	pool := workerpool.New(workerpool.Config{
		Name:       "reconciler",
		MaxWorkers: cfg.Reconciler.Workers,
		QueueSize:  cfg.Reconciler.QueueSize,
		Logger:     logger,
	})
	reconcileService := service.NewReconcileService(docs, sequenceService, cfg.Sequencer.Counters, pool, m, logger)

	feed, err := docs.Watch(ctx)
	if err != nil {
		logger.Fatal("Failed to subscribe to change feed", zap.Error(err))
	}
	go func() {
		if err := reconcileService.Run(ctx, feed); err != nil {
			logger.Error("Reconciliation loop exited", zap.Error(err))
		}
	}()
	logger.Info("Reconciliation loop started")

	// Stall sweep keeps abandoned migrations from blocking writes forever
	go migrationService.RunStallSweep(ctx)
	logger.Info("Migration stall sweep started",
		zap.Duration("threshold", cfg.Migration.StallThreshold),
		zap.Duration("interval", cfg.Migration.SweepInterval))

	// Acked change events are retained briefly for inspection, then pruned
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := docs.CleanupAckedEvents(ctx, cfg.Database.EventTTL); err != nil {
					logger.Warn("Event cleanup failed", zap.Error(err))
				} else if n > 0 {
					logger.Debug("Pruned acked change events", zap.Int64("count", n))
				}
			}
		}
	}()

	logger.Info("All services initialized")

	errorHandler := apperrors.NewHandler(logger)
	handlers := handler.NewHandlers(
		tenantService,
		sequenceService,
		migrationService,
		recordService,
		idempotencyService,
		errorHandler,
		logger,
		cfg.Server.RequestTimeout,
	)
	healthCheck := health.NewHealthCheck(docs, idempotencyStore, logger)
	auth := middleware.NewAuthenticator([]byte(cfg.Auth.JWTSecret), logger)

	srv := server.NewServer(cfg, handlers, healthCheck, auth, m, logger)
	srv.SetupRoutes()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}

	cancel()
	feed.Close()
	pool.Stop()
	migrationService.Wait()

	logger.Info("Coordinator service stopped")
}
