package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

// Pinger is the readiness probe surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Client owns the shared gorm connection and its pool.
type Client struct {
	conn *gorm.DB
}

// New connects with the dialect cfg selects and sizes the pool.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	conn, err := Open(dialectorFor(cfg))
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	configurePool(sqlDB, cfg)

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"driver":    conn.Dialector.Name(),
			"max_open":  sqlDB.Stats().MaxOpenConnections,
			"lifetime":  cfg.ConnMaxLifetime.String(),
			"idle_time": cfg.ConnMaxIdleTime.String(),
		}), "database connected")
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps a connection opened elsewhere, typically by tests.
func NewFromConn(conn *gorm.DB) *Client {
	return &Client{conn: conn}
}

// Open applies the shared gorm settings to any dialector. Driver errors are
// translated so duplicate keys surface as gorm.ErrDuplicatedKey.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(
			log.New(io.Discard, "", 0),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return conn, nil
}

func dialectorFor(cfg config.DBConfig) gorm.Dialector {
	if cfg.IsSQLite() {
		return sqlite.Open(cfg.DSN)
	}
	return postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: true,
	})
}

// configurePool pins sqlite to one connection so writers never see
// SQLITE_BUSY. Postgres takes the configured limits.
func configurePool(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.IsSQLite() {
		sqlDB.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func (c *Client) DB() *gorm.DB { return c.conn }

// SQL returns the database/sql pool goose migrates through.
func (c *Client) SQL() (*sql.DB, error) { return c.conn.DB() }

// Dialect is the dialector name, "postgres" or "sqlite".
func (c *Client) Dialect() string { return c.conn.Dialector.Name() }

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Exec runs a raw statement outside any transaction.
func (c *Client) Exec(ctx context.Context, query string, args ...any) *gorm.DB {
	return c.conn.WithContext(ctx).Exec(query, args...)
}

// WithTx runs fn in a transaction. It commits when fn returns nil and rolls
// back on an error or a panic, which is re-raised.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.conn.WithContext(ctx).Transaction(fn)
}

// WithSnapshot runs fn in a read-only transaction that sees one consistent
// snapshot. Postgres gets REPEATABLE READ. sqlite transactions are already
// serializable, so the default options are kept there.
func (c *Client) WithSnapshot(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if c.Dialect() != "postgres" {
		return c.conn.WithContext(ctx).Transaction(fn)
	}
	return c.conn.WithContext(ctx).Transaction(fn, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
}
