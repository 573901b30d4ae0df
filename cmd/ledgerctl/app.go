package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/creditledger-backend/internal/balances"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/credits"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
)

// app is the slice of the service graph the operator commands need.
type app struct {
	rates    *ratecard.StoreProvider
	balances *balances.Projector
	auditor  *reconciliation.Auditor
	close    func() error
}

type bootstrapFunc func(ctx context.Context) (*app, error)

func bootstrapFromEnv(ctx context.Context) (*app, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logg := logger.New(logger.Options{
		ServiceName: "ledgerctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		Output:      os.Stderr,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, logg, dbClient)
	if err != nil {
		_ = dbClient.Close()
		return nil, err
	}
	a.close = dbClient.Close
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (*app, error) {
	ceiling, err := credits.Parse(cfg.Billing.MagnitudeCeiling)
	if err != nil {
		return nil, err
	}
	calc := credits.NewCalculator(ceiling)

	balanceRepo := balances.NewRepository(dbClient.DB())
	projector, err := balances.NewProjector(balanceRepo, calc, cfg.Billing.LockTimeout)
	if err != nil {
		return nil, err
	}

	fallback, err := ratecard.DefaultRateCard(cfg.Billing)
	if err != nil {
		return nil, err
	}
	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	rates, err := ratecard.NewStoreProvider(dbClient, ratecard.NewRepository(dbClient.DB()), emitter, fallback, logg)
	if err != nil {
		return nil, err
	}
	if err := rates.Refresh(ctx); err != nil {
		return nil, err
	}

	auditor, err := reconciliation.NewAuditor(reconciliation.Params{
		Ledger:    ledger.NewRepository(dbClient.DB()),
		Balances:  balanceRepo,
		Snapshot:  dbClient,
		Workers:   cfg.Cron.ReconcileWorkers,
		BatchSize: cfg.Cron.ReconcileBatchSize,
		Logger:    logg,
	})
	if err != nil {
		return nil, err
	}

	return &app{rates: rates, balances: projector, auditor: auditor}, nil
}

func (a *app) Close() error {
	if a == nil || a.close == nil {
		return nil
	}
	return a.close()
}
