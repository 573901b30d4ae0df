package migrate_test

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/creditledger-backend/pkg/db/dbtest"
	"github.com/angelmondragon/creditledger-backend/pkg/migrate"
)

func TestEmbeddedMigrationsValidate(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite"} {
		fsys, _, err := migrate.Migrations(dialect)
		require.NoError(t, err)
		require.NoError(t, migrate.ValidateFS(fsys), dialect)
	}
}

func TestDialectsShareVersions(t *testing.T) {
	pg, _, err := migrate.Migrations("postgres")
	require.NoError(t, err)
	lite, _, err := migrate.Migrations("sqlite")
	require.NoError(t, err)

	pgNames, err := fs.Glob(pg, "*.sql")
	require.NoError(t, err)
	liteNames, err := fs.Glob(lite, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, pgNames)
	require.Equal(t, pgNames, liteNames)
}

func TestLedgerMigrationGuardsIdempotency(t *testing.T) {
	pg, _, err := migrate.Migrations("postgres")
	require.NoError(t, err)
	matches, err := fs.Glob(pg, "*_create_ledger_entries.sql")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := fs.ReadFile(pg, matches[0])
	require.NoError(t, err)
	content := string(data)
	for _, want := range []string{
		"UNIQUE (user_id, reference_type, reference_id)",
		"UNIQUE (user_id, sequence)",
		"NUMERIC(38, 6)",
		"BEFORE UPDATE OR DELETE ON ledger_entries",
		"DROP TABLE IF EXISTS ledger_entries",
	} {
		require.True(t, strings.Contains(content, want), "missing %q", want)
	}
}

func TestUpCreatesTablesOnSQLite(t *testing.T) {
	client := dbtest.New(t)

	for _, table := range []string{"ledger_entries", "account_balances", "purchases", "rate_cards", "outbox_events"} {
		require.True(t, client.DB().Migrator().HasTable(table), table)
	}
}

func TestSQLiteLedgerIsAppendOnly(t *testing.T) {
	client := dbtest.New(t)
	ctx := context.Background()

	require.NoError(t, client.Exec(ctx, `INSERT INTO ledger_entries
		(id, user_id, sequence, kind, amount, balance_after, reference_type, reference_id)
		VALUES ('6b0f0c1e-0000-4000-8000-000000000001', 'user-1', 1, 'credit', '10', '10', 'manual', 'seed')`).Error)

	err := client.Exec(ctx, `UPDATE ledger_entries SET amount = '11'`).Error
	require.Error(t, err)
	require.Contains(t, err.Error(), "append-only")

	err = client.Exec(ctx, `DELETE FROM ledger_entries`).Error
	require.Error(t, err)
}

func TestUnknownDialect(t *testing.T) {
	_, _, err := migrate.Migrations("mysql")
	require.Error(t, err)
}
