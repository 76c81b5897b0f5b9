package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearRelay removes every relay row. Schema is preserved; RESTART IDENTITY
// resets the id sequence.
func ClearRelay(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing relay table", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE tool_relay RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Relay cleared", clearLogPrefix))
	return nil
}
