package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/creditledger-backend/api/routes"
	"github.com/angelmondragon/creditledger-backend/internal/accountlock"
	"github.com/angelmondragon/creditledger-backend/internal/adjustments"
	"github.com/angelmondragon/creditledger-backend/internal/analytics/query"
	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/cron"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/internal/purchases"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
	"github.com/angelmondragon/creditledger-backend/internal/usage"
	stripewebhook "github.com/angelmondragon/creditledger-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/creditledger-backend/pkg/bigquery"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/metrics"
	"github.com/angelmondragon/creditledger-backend/pkg/migrate"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/redis"
	"github.com/angelmondragon/creditledger-backend/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBillingMetrics(registry)

	ceiling, err := credits.Parse(cfg.Billing.MagnitudeCeiling)
	if err != nil {
		logg.Error(context.Background(), "invalid magnitude ceiling", err)
		os.Exit(1)
	}
	calc := credits.NewCalculator(ceiling)

	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	balanceRepo := balances.NewRepository(dbClient.DB())
	projector, err := balances.NewProjector(balanceRepo, calc, cfg.Billing.LockTimeout)
	if err != nil {
		logg.Error(context.Background(), "failed to create balance projector", err)
		os.Exit(1)
	}
	ledgerRepo := ledger.NewRepository(dbClient.DB())
	ledgerSvc, err := ledger.NewService(ledgerRepo, projector, emitter)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	rateCards, err := newRateCardProvider(context.Background(), cfg, logg, dbClient, emitter)
	if err != nil {
		logg.Error(context.Background(), "failed to load rate cards", err)
		os.Exit(1)
	}

	locker := accountlock.New(cfg.Billing.LockTimeout, billingMetrics)
	usageSvc, err := usage.NewService(usage.Deps{
		Tx:      dbClient,
		Ledger:  ledgerSvc,
		Rates:   rateCards,
		Locker:  locker,
		Calc:    calc,
		Metrics: billingMetrics,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create usage service", err)
		os.Exit(1)
	}

	// Stripe is optional outside production; without it checkout and the
	// webhook are not mounted.
	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		if cfg.App.IsProd() {
			logg.Error(context.Background(), "failed to create stripe client", err)
			os.Exit(1)
		}
		logg.Warn(context.Background(), "stripe disabled: "+err.Error())
	}

	purchaseSvc, err := purchases.NewService(purchases.ServiceParams{
		Repo:       purchases.NewRepository(dbClient.DB()),
		Ledger:     ledgerSvc,
		Tx:         dbClient,
		Locker:     locker,
		Outbox:     emitter,
		Catalog:    purchases.NewCatalog(),
		Checkout:   purchases.NewStripeCheckoutClient(stripeClient),
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
		Metrics:    billingMetrics,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create purchase service", err)
		os.Exit(1)
	}

	adjustSvc, err := adjustments.NewService(dbClient, ledgerSvc, locker, billingMetrics, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create adjustment service", err)
		os.Exit(1)
	}

	auditor, err := reconciliation.NewAuditor(reconciliation.Params{
		Ledger:    ledgerRepo,
		Balances:  balanceRepo,
		Snapshot:  dbClient,
		Workers:   cfg.Cron.ReconcileWorkers,
		BatchSize: cfg.Cron.ReconcileBatchSize,
		Metrics:   billingMetrics,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation auditor", err)
		os.Exit(1)
	}

	deps := routes.Deps{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Redis:       redisClient,
		Gatherer:    registry,
		HTTP:        metrics.NewHTTPMetrics(registry),
		Usage:       usageSvc,
		Balances:    projector,
		Ledger:      ledgerSvc,
		Purchases:   purchaseSvc,
		RateCards:   rateCards,
		Adjustments: adjustSvc,
		Auditor:     auditor,
	}
	if stripeClient != nil {
		webhookSvc, err := stripewebhook.NewService(stripewebhook.ServiceParams{Purchases: purchaseSvc, Logger: logg})
		if err != nil {
			logg.Error(context.Background(), "failed to create stripe webhook service", err)
			os.Exit(1)
		}
		guard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Eventing.WebhookDedupeTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create webhook guard", err)
			os.Exit(1)
		}
		deps.Stripe = stripeClient
		deps.StripeWebhook = webhookSvc
		deps.WebhookGuard = guard
	}

	if cfg.BigQuery.Enabled() {
		bqClient, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap bigquery", err)
			os.Exit(1)
		}
		defer func() {
			if err := bqClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing bigquery", err)
			}
		}()
		analyticsSvc, err := query.NewUsageService(bqClient, cfg.BigQuery.LedgerEntriesTable, cfg.BigQuery.PurchaseEventsTable)
		if err != nil {
			logg.Error(context.Background(), "failed to create usage analytics service", err)
			os.Exit(1)
		}
		deps.Analytics = analyticsSvc
	}

	refresher, err := newRateCardRefresher(cfg, logg, rateCards, registry)
	if err != nil {
		logg.Error(context.Background(), "failed to create rate card refresher", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":               cfg.App.Env,
		"addr":              addr,
		"instance":          id,
		"rate_card_version": activeVersion(ctx, rateCards),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := refresher.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}

// newRateCardProvider loads persisted cards on top of the configured default
// and publishes the card file when its version is new.
func newRateCardProvider(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, emitter *outbox.Service) (*ratecard.StoreProvider, error) {
	fallback, err := ratecard.DefaultRateCard(cfg.Billing)
	if err != nil {
		return nil, err
	}
	provider, err := ratecard.NewStoreProvider(dbClient, ratecard.NewRepository(dbClient.DB()), emitter, fallback, logg)
	if err != nil {
		return nil, err
	}
	if err := provider.Refresh(ctx); err != nil {
		return nil, err
	}
	if cfg.Billing.RateCardFile == "" {
		return provider, nil
	}
	card, err := ratecard.ParseFile(cfg.Billing.RateCardFile)
	if err != nil {
		return nil, err
	}
	if err := provider.Publish(ctx, card, "config:"+cfg.Billing.RateCardFile); err != nil {
		if !errors.Is(err, ratecard.ErrVersionExists) {
			return nil, err
		}
		logg.Info(logg.WithField(ctx, "rate_card_version", card.Version), "rate card file already published")
	}
	return provider, nil
}

// newRateCardRefresher reloads cards published by other instances. Each
// instance refreshes its own registry, so the lock is process local.
func newRateCardRefresher(cfg *config.Config, logg *logger.Logger, provider *ratecard.StoreProvider, reg prometheus.Registerer) (*cron.Service, error) {
	job, err := cron.NewRateCardRefreshJob(provider)
	if err != nil {
		return nil, err
	}
	registry, err := cron.NewRegistry(job)
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       cron.NewLocalLock(),
		Metrics:    metrics.NewCronJobMetrics(reg),
		Interval:   cfg.Cron.RateCardRefresh,
		JobTimeout: cfg.Cron.RateCardRefresh,
	})
}

func activeVersion(ctx context.Context, provider *ratecard.StoreProvider) string {
	card, err := provider.Active(ctx)
	if err != nil || card == nil {
		return ""
	}
	return card.Version
}
