package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/morezero/toolsystem/internal/config"
	"github.com/morezero/toolsystem/pkg/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage relay table migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run database migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
					migrations, err := db.LoadMigrationFiles(db.ResolveMigrationPath(cfg.MigrationPath))
					if err != nil {
						return fmt.Errorf("load migrations: %w", err)
					}
					if err := db.RunMigrations(ctx, pool, migrations); err != nil {
						return fmt.Errorf("run migrations: %w", err)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration (relay migrations are forward-only)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
					return db.MigrationDown(ctx, pool)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
					return db.MigrationStatus(ctx, pool, db.ResolveMigrationPath(cfg.MigrationPath), cmd.OutOrStdout())
				})
			},
		},
	)
	return cmd
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Truncate the relay table; schema is preserved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				if err := db.ClearRelay(ctx, pool); err != nil {
					return fmt.Errorf("clear relay: %w", err)
				}
				return nil
			})
		},
	}
}

func ensureDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-db [name]",
		Short: "Create a database on the DATABASE_URL host (default name: toolsystem_test)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "toolsystem_test"
			if len(args) > 0 && args[0] != "" {
				name = args[0]
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateForDB(); err != nil {
				return err
			}
			target, err := db.WithDatabaseName(cfg.DatabaseURL, name)
			if err != nil {
				return err
			}
			if err := db.EnsureDatabase(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %q is ready.\n", name)
			return nil
		},
	}
}

func withPool(ctx context.Context, fn func(context.Context, *config.Config, *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}
