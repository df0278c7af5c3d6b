package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreledger/payments/internal/config"
	"github.com/coreledger/payments/internal/idempotency"
	"github.com/coreledger/payments/internal/outbox"
	"github.com/coreledger/payments/internal/payments"
	"github.com/coreledger/payments/internal/ratelimit"
	"github.com/coreledger/payments/internal/settlement"
	"github.com/coreledger/payments/internal/shared/infra/kafka"
	"github.com/coreledger/payments/internal/shared/infra/postgres"
	redisinfra "github.com/coreledger/payments/internal/shared/infra/redis"
	"github.com/coreledger/payments/internal/shared/shard"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting payment platform",
		"port", cfg.Port,
		"outbox_enabled", cfg.OutboxEnabled,
		"shards", shard.Count,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Migrate and connect each shard database.
	shardURLs := map[shard.Key]string{
		shard.Shard0: cfg.DatabaseURLShard0,
		shard.Shard1: cfg.DatabaseURLShard1,
	}

	pools := make(map[shard.Key]*pgxpool.Pool, shard.Count)
	for _, key := range shard.All() {
		if err := postgres.Migrate(shardURLs[key]); err != nil {
			slog.Error("failed to migrate shard database", "shard", key, "error", err)
			os.Exit(1)
		}

		pool, err := postgres.NewPool(ctx, key, shardURLs[key], logger)
		if err != nil {
			slog.Error("failed to connect to shard database", "shard", key, "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pools[key] = pool
	}

	router, err := shard.NewRouter(pools)
	if err != nil {
		slog.Error("failed to create shard router", "error", err)
		os.Exit(1)
	}

	// Shared external resources.
	redisClient, err := redisinfra.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer, err := kafka.NewProducer(brokers, logger)
	if err != nil {
		slog.Error("failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// Repositories and domain wiring.
	outboxRepo := postgres.NewOutboxRepo(router, logger)
	idemRepo := postgres.NewIdempotencyRepo(router, logger)
	authRepo := postgres.NewAuthorizationRepo(router, outboxRepo, idemRepo, logger)

	responseCache := idempotency.NewCache(
		redisinfra.NewKV(redisClient), idemRepo, cfg.IdempotencyTTL, logger)
	limiter := ratelimit.NewLimiter(redisClient, logger)

	paymentsSvc := payments.NewService(authRepo, responseCache, limiter, payments.ServiceConfig{
		AuthorizeRate: payments.RatePolicy{Capacity: cfg.AuthorizeRateCapacity, Window: cfg.AuthorizeRateWindow},
		RefundRate:    payments.RatePolicy{Capacity: cfg.RefundRateCapacity, Window: cfg.RefundRateWindow},
	}, logger)

	apiSvc, err := payments.StartServer(payments.ServerConfig{Port: cfg.Port}, paymentsSvc, logger)
	if err != nil {
		slog.Error("failed to start payments server", "error", err)
		os.Exit(1)
	}

	// Outbox delivery pipeline.
	if cfg.OutboxEnabled {
		shards, err := shard.ParseKeys(cfg.OutboxShards)
		if err != nil {
			slog.Error("invalid OUTBOX_SHARDS", "error", err)
			os.Exit(1)
		}

		publisher := outbox.NewPublisher(producer, outboxRepo, outbox.BreakerConfig{
			FailureRateThreshold:  cfg.BreakerFailureRateThreshold,
			OpenWait:              cfg.BreakerOpenWait,
			HalfOpenCalls:         cfg.BreakerHalfOpenCalls,
			MinimumCalls:          cfg.BreakerMinimumCalls,
			SlowCallDuration:      cfg.BreakerSlowCallDuration,
			SlowCallRateThreshold: cfg.BreakerSlowCallRateThreshold,
			CountingWindow:        cfg.BreakerCountingWindow,
		}, logger)

		scheduler := outbox.NewScheduler(outboxRepo, publisher, shards, outbox.SchedulerConfig{
			BatchSize:     cfg.OutboxBatchSize,
			MaxRetries:    cfg.OutboxMaxRetries,
			RetryInterval: cfg.OutboxRetryInterval,
			PollInterval:  cfg.OutboxPollInterval,
			InitialDelay:  cfg.OutboxInitialDelay,
		}, logger)

		go func() {
			if err := scheduler.Start(ctx); err != nil {
				slog.Error("outbox scheduler error", "error", err)
			}
		}()
	} else {
		slog.Warn("outbox polling disabled, events will accumulate unpublished")
	}

	// Settlement consumer.
	settlementSvc, err := settlement.Start(ctx, settlement.Config{
		Brokers:       brokers,
		ConsumerGroup: cfg.SettlementConsumerGroup,
	}, authRepo, logger)
	if err != nil {
		slog.Error("failed to start settlement service", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled")
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiSvc.Shutdown(shutdownCtx); err != nil {
		slog.Error("payments server shutdown error", "error", err)
	}
	if err := settlementSvc.Shutdown(shutdownCtx); err != nil {
		slog.Error("settlement service shutdown error", "error", err)
	}
	if err := producer.Flush(shutdownCtx); err != nil {
		slog.Error("failed to flush producer", "error", err)
	}

	slog.Info("payment platform stopped")
}

// newLogger creates a structured logger based on configuration.
func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
