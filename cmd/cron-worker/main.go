package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/cron"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/metrics"
	"github.com/angelmondragon/creditledger-backend/pkg/migrate"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.AutoRun(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to apply startup migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	auditor, err := reconciliation.NewAuditor(reconciliation.Params{
		Ledger:    ledger.NewRepository(dbClient.DB()),
		Balances:  balances.NewRepository(dbClient.DB()),
		Snapshot:  dbClient,
		Workers:   cfg.Cron.ReconcileWorkers,
		BatchSize: cfg.Cron.ReconcileBatchSize,
		Metrics:   metrics.NewBillingMetrics(prometheus.DefaultRegisterer),
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation auditor", err)
		os.Exit(1)
	}

	reconcileJob, err := cron.NewReconciliationJob(cron.ReconciliationJobParams{Logger: logg, Auditor: auditor})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation job", err)
		os.Exit(1)
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		Retention:  cfg.Cron.OutboxRetention,
		BatchSize:  cfg.Cron.OutboxPruneBatch,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry, err := cron.NewRegistry(reconcileJob, retentionJob)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       lock,
		Metrics:    metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval:   cfg.Cron.Interval,
		JobTimeout: cfg.Cron.JobTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	if job := cfg.Cron.RunJob; job != "" {
		ctx = logg.WithField(ctx, "job", job)
		logg.Info(ctx, "running single cron job")
		if err := service.RunJob(ctx, job); err != nil {
			logg.Error(ctx, "cron job failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}
