package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

// ShouldAutoRun reports whether a process may apply migrations at boot:
// always for SQLite, and for Postgres only in dev with the feature flag on.
// Production schemas move through cmd/migrate.
func ShouldAutoRun(cfg *config.Config, dialect string) bool {
	if cfg == nil {
		return false
	}
	if dialect == "sqlite" || dialect == "sqlite3" {
		return true
	}
	return cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate
}

// AutoRun applies pending migrations when ShouldAutoRun allows it.
func AutoRun(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !ShouldAutoRun(cfg, client.Dialect()) {
		return nil
	}

	sqlDB, err := client.SQL()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dialect": client.Dialect()})
	logg.Info(ctx, "applying migrations at startup")

	if err := Up(ctx, sqlDB, client.Dialect()); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "migrations applied")
	return nil
}
