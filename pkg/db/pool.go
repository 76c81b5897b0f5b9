// Package db provides Postgres access for the storage relay: pooling,
// migrations and the relay table repository.
package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
// The relay holds one connection for LISTEN, so MinConns stays above one.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// RunMigrations applies migrations that are not yet recorded in the
// tool_migrations ledger, each in its own transaction.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	slog.Info(fmt.Sprintf("%s - Checking %d migrations", logPrefix, len(migrations)))

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS tool_migrations (
		name    TEXT PRIMARY KEY,
		applied TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("%s - failed to create migration ledger: %w", logPrefix, err)
	}

	applied := 0
	for _, m := range migrations {
		var done bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tool_migrations WHERE name = $1)`, m.Name).Scan(&done); err != nil {
			return fmt.Errorf("%s - failed to check migration %s: %w", logPrefix, m.Name, err)
		}
		if done {
			continue
		}

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO tool_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", logPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied migration %s", logPrefix, m.Name))
		applied++
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete, %d applied", logPrefix, applied))
	return nil
}

// MigrationStatus writes one line per migration file to w, marking each
// applied or pending against the tool_migrations ledger.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string, w io.Writer) error {
	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return err
	}

	applied := map[string]bool{}
	var ledger bool
	err = pool.QueryRow(ctx, `SELECT to_regclass('public.tool_migrations') IS NOT NULL`).Scan(&ledger)
	if err != nil {
		return fmt.Errorf("%s - failed to check ledger: %w", logPrefix, err)
	}
	if ledger {
		rows, err := pool.Query(ctx, `SELECT name FROM tool_migrations`)
		if err != nil {
			return fmt.Errorf("%s - failed to read ledger: %w", logPrefix, err)
		}
		names, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("%s - failed to read ledger: %w", logPrefix, err)
		}
		for _, n := range names {
			applied[n] = true
		}
	}

	return writeMigrationStatus(w, files, applied)
}

func writeMigrationStatus(w io.Writer, files []Migration, applied map[string]bool) error {
	for _, m := range files {
		state := "pending"
		if applied[m.Name] {
			state = "applied"
		}
		if _, err := fmt.Fprintf(w, "%-40s %s\n", m.Name, state); err != nil {
			return err
		}
	}
	return nil
}

// ErrForwardOnly is returned by MigrationDown. The relay schema has no down
// migrations; restore from a backup instead.
var ErrForwardOnly = errors.New("db:pool - migrations are forward-only, restore from a backup to roll back")

// MigrationDown always fails with ErrForwardOnly.
func MigrationDown(context.Context, *pgxpool.Pool) error {
	return ErrForwardOnly
}
