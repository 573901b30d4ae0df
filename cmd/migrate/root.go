package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/migrate"
)

// database is an open connection plus the goose dialect it speaks.
type database struct {
	sql     *sql.DB
	dialect string
	close   func() error
}

type connectFunc func(ctx context.Context) (*database, error)

func newRootCmd(connect connectFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Manage the ledger schema",
		Long: `Apply, roll back and inspect the embedded goose migrations, or scaffold and
check migration files on disk. Postgres and sqlite keep parallel trees.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newGooseCmd(connect, "up", "Apply every pending migration"),
		newGooseCmd(connect, "down", "Roll back the latest migration"),
		newGooseCmd(connect, "status", "List applied and pending migrations"),
		newVersionCmd(connect),
		newCreateCmd(),
		newValidateCmd(),
	)
	return root
}

func newGooseCmd(connect connectFunc, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd, connect, func(conn *database) error {
				return migrate.Run(cmd.Context(), conn.sql, conn.dialect, command, cmd.OutOrStdout())
			})
		},
	}
}

func newVersionCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "version <YYYYMMDDHHMMSS>",
		Short: "Migrate up or down to an exact version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, connect, func(conn *database) error {
				if err := migrate.MigrateToVersion(cmd.Context(), conn.sql, conn.dialect, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "at version %s\n", args[0])
				return nil
			})
		},
	}
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold a migration for every dialect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			paths, err := migrate.CreateSQLMigration(dir, args[0])
			if err != nil {
				return err
			}
			for _, path := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), "created", path)
			}
			return nil
		},
	}
	cmd.Flags().String("dir", migrate.DefaultDir, "migrations root, one subdirectory per dialect")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check migration files and dialect parity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if err := migrate.ValidateDir(dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations valid")
			return nil
		},
	}
	cmd.Flags().String("dir", migrate.DefaultDir, "migrations root, one subdirectory per dialect")
	return cmd
}

func withDatabase(cmd *cobra.Command, connect connectFunc, fn func(*database) error) error {
	conn, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	return errors.Join(fn(conn), conn.close())
}

func connectDatabase(ctx context.Context) (*database, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logg := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	sqlDB, err := client.SQL()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"env":     cfg.App.Env,
		"dialect": client.Dialect(),
	}), "migrate connected")
	return &database{sql: sqlDB, dialect: client.Dialect(), close: client.Close}, nil
}
