package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
)

type testModel struct {
	ID   int
	Name string `gorm:"uniqueIndex"`
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := Open(sqlite.Open(dsn))
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&testModel{}))
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := NewFromConn(db)

	ctx := context.Background()
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}))

	var count int64
	require.NoError(t, db.Model(&testModel{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	require.NoError(t, db.Model(&testModel{}).Count(&count).Error)
	require.Equal(t, int64(1), count, "rollback should leave one record")
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	db := newTestDB(t)
	client := NewFromConn(db)

	require.Panics(t, func() {
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			if err := tx.Create(&testModel{Name: "panicked"}).Error; err != nil {
				return err
			}
			panic("boom")
		})
	})

	var count int64
	require.NoError(t, db.Model(&testModel{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestWithSnapshot_ReadsInsideOneTransaction(t *testing.T) {
	db := newTestDB(t)
	client := NewFromConn(db)
	require.NoError(t, db.Create(&testModel{Name: "existing"}).Error)

	var count int64
	err := client.WithSnapshot(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(&testModel{}).Count(&count).Error
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	err = client.WithSnapshot(context.Background(), func(tx *gorm.DB) error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
}

func TestPingAndDialect(t *testing.T) {
	client := NewFromConn(newTestDB(t))
	require.NoError(t, client.Ping(context.Background()))
	require.Equal(t, "sqlite", client.Dialect())
}

func TestConfigurePool(t *testing.T) {
	sqlDB, err := newTestDB(t).DB()
	require.NoError(t, err)

	configurePool(sqlDB, config.DBConfig{Driver: "postgres", MaxOpenConns: 7, ConnMaxLifetime: time.Minute})
	require.Equal(t, 7, sqlDB.Stats().MaxOpenConnections)

	configurePool(sqlDB, config.DBConfig{Driver: "sqlite", MaxOpenConns: 7})
	require.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(context.Background(), config.DBConfig{Driver: "sqlite"}, nil)
	require.Error(t, err)
}

func TestIsUniqueViolation_SQLite(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&testModel{Name: "dup"}).Error)

	err := db.Create(&testModel{Name: "dup"}).Error
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err, ""))
}

func TestIsUniqueViolation_Postgres(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "ux_ledger_entries_reference"}
	wrapped := fmt.Errorf("append: %w", pgErr)

	require.True(t, IsUniqueViolation(wrapped, ""))
	require.True(t, IsUniqueViolation(wrapped, "ux_ledger_entries_reference"))
	require.False(t, IsUniqueViolation(wrapped, "ux_other"))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	require.False(t, IsUniqueViolation(nil, ""))
	require.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey, "anything"))
}

func TestIsLockTimeout(t *testing.T) {
	require.True(t, IsLockTimeout(&pgconn.PgError{Code: "55P03"}))
	require.False(t, IsLockTimeout(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsLockTimeout(nil))
}
