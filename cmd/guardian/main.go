// Package main is the entry point for the payout guardian daemon.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"payout-guardian/internal/action"
	"payout-guardian/internal/api"
	"payout-guardian/internal/archive"
	"payout-guardian/internal/config"
	"payout-guardian/internal/dispatch"
	"payout-guardian/internal/engine"
	"payout-guardian/internal/history"
	"payout-guardian/internal/intake"
	"payout-guardian/internal/logging"
	"payout-guardian/internal/quota"
	"payout-guardian/internal/retention"
	"payout-guardian/internal/rules"
	"payout-guardian/internal/schema"
	"payout-guardian/internal/startup"
	"payout-guardian/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	diagnostics := startup.NewDiagnostics(cfg, logger)
	diagnostics.RunAll()
	if diagnostics.HasErrors() {
		logger.Error("startup diagnostics failed, refusing to start")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// History store (ClickHouse)
	historyClient, err := history.NewClient(cfg.History)
	if err != nil {
		logger.Error("failed to connect to clickhouse", "error", err)
		os.Exit(1)
	}
	if err := historyClient.EnsureDatabase(ctx); err != nil {
		logger.Error("failed to ensure database", "error", err)
		os.Exit(1)
	}
	if err := historyClient.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := retention.ApplyEventTTL(ctx, historyClient, cfg.Retention.EventsTTL); err != nil {
		logger.Warn("failed to apply event retention policy", "error", err)
	}

	historyWriter := history.NewWriter(historyClient, cfg.HistoryWriter)
	contextLoader := history.NewLoader(historyClient, cfg.Loader)

	// Alert store
	alertStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open alert store", "error", err)
		os.Exit(1)
	}

	// Redis for quota counters and intake idempotency markers
	var redisClient *redis.Client
	var limiter quota.Limiter
	var marker intake.Marker
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		limiter = quota.NewRedisLimiter(redisClient, nil, cfg.Quota)
		marker = intake.NewRedisMarker(redisClient, cfg.Redis.MarkTTL)
	} else {
		logger.Warn("redis disabled, quota and idempotency are per-process only")
		limiter = quota.NewMemoryLimiter(nil, cfg.Quota)
		marker = intake.NewMemoryMarker()
	}

	// Rule engine
	resolver := rules.NewResolver(rules.DefaultRuleSet(), nil)
	eng := engine.New(contextLoader, resolver, limiter, cfg.Platform, logger)

	// Notification dispatch
	transports := []dispatch.Transport{
		dispatch.NewEmailTransport(cfg.Email),
		dispatch.NewChatTransport(cfg.Chat),
	}
	dispatcher := dispatch.New(cfg.Dispatch, alertStore, transports, logger)
	dispatcher.Start(ctx)

	// Auto-pause action
	var controller action.PayoutController
	if cfg.Controller.BaseURL != "" {
		controller = action.NewHTTPController(cfg.Controller)
	}
	pauser := action.New(cfg.Action, controller, alertStore, logger)

	// Intake pipeline and Kafka consumer
	pipeline := intake.NewPipeline(
		schema.NewValidator(),
		historyWriter,
		eng,
		alertStore,
		dispatcher.ChannelPlans(),
		pauser,
		marker,
		logger,
	)
	consumer, err := intake.NewConsumer(cfg.Kafka, pipeline.Handle, logger)
	if err != nil {
		logger.Error("failed to create kafka consumer", "error", err)
		os.Exit(1)
	}
	consumer.Start(ctx)

	// Retention and fan-out reconciliation
	var archiver retention.Archiver
	if cfg.Archive.Enabled {
		s3Client, err := archive.NewS3Client(ctx, cfg.Archive.S3, logger)
		if err != nil {
			logger.Error("failed to create archive client", "error", err)
			os.Exit(1)
		}
		archiver = archive.NewArchiver(s3Client, logger)
		cfg.Retention.ArchiveBeforePurge = true
	}
	retainer := retention.NewManager(alertStore, archiver, dispatcher.ChannelPlans(), cfg.Retention, logger)
	retainer.Start()

	// HTTP API
	health := map[string]api.HealthChecker{
		"clickhouse": historyClient.Ping,
		"kafka":      consumer.HealthCheck,
	}
	if redisClient != nil {
		health["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	mux := http.NewServeMux()
	api.NewHandler(alertStore, health, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting api server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop intake first so nothing new enters the pipeline, then drain
	// the delivery and action workers.
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", "error", err)
	}
	cancel()
	dispatcher.Stop()
	retainer.Stop()
	pauser.Wait()

	if err := historyWriter.Close(); err != nil {
		logger.Error("history writer close error", "error", err)
	}
	if err := historyClient.Close(); err != nil {
		logger.Error("clickhouse close error", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}
	if err := alertStore.Close(); err != nil {
		logger.Error("alert store close error", "error", err)
	}

	written, failed := historyWriter.Metrics()
	processed, rejected, failedMsgs := consumer.Metrics()
	logger.Info("shutdown complete",
		"events_written", written,
		"events_failed", failed,
		"messages_processed", processed,
		"messages_rejected", rejected,
		"messages_failed", failedMsgs,
	)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite allows one writer; serializing through a single
		// connection avoids SQLITE_BUSY under claim contention.
		db.SetMaxOpenConns(1)
		return store.NewSQLStore(ctx, db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
