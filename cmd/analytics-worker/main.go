package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/creditledger-backend/internal/analytics/router"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/types"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/worker"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/writer"
	"github.com/angelmondragon/creditledger-backend/pkg/bigquery"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/pubsub"
	"github.com/angelmondragon/creditledger-backend/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "analytics-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "analytics-worker"

	logg = logger.New(logger.Options{
		ServiceName: "analytics-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	if !cfg.BigQuery.Enabled() {
		requireResource(ctx, logg, "bigquery dataset", errors.New("CREDITLEDGER_BIGQUERY_DATASET is not set"))
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
	requireResource(ctx, logg, "bigquery client", err)
	defer func() {
		if err := bqClient.Close(); err != nil {
			logg.Error(ctx, "failed to close bigquery client", err)
		}
	}()

	requireResource(ctx, logg, "analytics bigquery tables", bqClient.EnsureTables(ctx,
		bigquery.TableSpec{
			Name:           cfg.BigQuery.LedgerEntriesTable,
			Schema:         types.LedgerEntrySchema(),
			PartitionField: types.PartitionField,
			ClusterBy:      types.ClusterFields(),
		},
		bigquery.TableSpec{
			Name:           cfg.BigQuery.PurchaseEventsTable,
			Schema:         types.PurchaseEventSchema(),
			PartitionField: types.PartitionField,
			ClusterBy:      types.ClusterFields(),
		},
	))

	analyticsWriter, err := writer.New(bqClient, writer.Config{
		LedgerEntriesTable:  cfg.BigQuery.LedgerEntriesTable,
		PurchaseEventsTable: cfg.BigQuery.PurchaseEventsTable,
	})
	requireResource(ctx, logg, "analytics bigquery writer", err)
	defer func() {
		if err := analyticsWriter.Flush(context.Background()); err != nil {
			logg.Error(ctx, "failed to flush analytics rows", err)
		}
	}()

	routingHandler, err := router.NewRouter(analyticsWriter, logg, nil)
	requireResource(ctx, logg, "analytics router", err)

	subscriptions := map[string]string{
		"ledger":   cfg.PubSub.LedgerAnalyticsSubscription,
		"purchase": cfg.PubSub.PurchaseAnalyticsSubscription,
	}
	services := make(map[string]*worker.Service, len(subscriptions))
	for stream, name := range subscriptions {
		requireResource(ctx, logg, stream+" analytics subscription", pubsubClient.EnsureSubscription(ctx, name))
		svc, err := worker.NewService(pubsubClient.Subscription(name), routingHandler, redisClient, cfg.Eventing.OutboxIdempotencyTTL, logg)
		requireResource(ctx, logg, stream+" analytics worker", err)
		services[stream] = svc
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(runCtx, "analytics worker ready")

	group, groupCtx := errgroup.WithContext(runCtx)
	for stream, svc := range services {
		streamCtx := logg.WithField(groupCtx, "stream", stream)
		group.Go(func() error {
			return svc.Run(streamCtx)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "analytics worker failed", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
