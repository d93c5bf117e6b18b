package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/atharvv04/CompliancePilot/internal/migrations"
	"github.com/atharvv04/CompliancePilot/internal/platform/postgres"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate up: %w", err)
				}
				slog.Info("migrations applied")
				return nil
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return errors.New("--steps must be positive")
			}
			return withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
				if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate down: %w", err)
				}
				slog.Info("migrations rolled back", "steps", steps)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("migrate version: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// withMigrator opens the database, runs fn and closes both. Closing the
// migrator also closes the pool.
func withMigrator(ctx context.Context, fn func(*migrate.Migrate) error) error {
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	m, err := migrations.New(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			slog.Warn("migrator close failed", "source_error", srcErr, "db_error", dbErr)
		}
	}()
	return fn(m)
}

func openDB(ctx context.Context) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(dbURL) != "" {
		if err := os.Setenv("DATABASE_URL", dbURL); err != nil {
			return nil, err
		}
	}
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return db, nil
}
