package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

var safeDBName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DatabaseName returns the database named in a postgres URL.
func DatabaseName(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	name := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if name == "" {
		return "", fmt.Errorf("%s - database name empty in URL", ensureLogPrefix)
	}
	if !safeDBName.MatchString(name) {
		return "", fmt.Errorf("%s - database name %q must be letters, digits and underscores", ensureLogPrefix, name)
	}
	return name, nil
}

// WithDatabaseName returns databaseURL pointing at another database on the
// same host. Credentials and query parameters are kept.
func WithDatabaseName(databaseURL, name string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	u.Path = "/" + name
	return u.String(), nil
}

// EnsureDatabase creates the database named in databaseURL when it is
// missing, connecting through the host's maintenance database. Call before
// NewPool.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	name, err := DatabaseName(databaseURL)
	if err != nil {
		return err
	}
	maintenanceURL, err := WithDatabaseName(databaseURL, "postgres")
	if err != nil {
		return err
	}

	connConfig, err := pgx.ParseConfig(maintenanceURL)
	if err != nil {
		return fmt.Errorf("%s - failed to parse maintenance URL: %w", ensureLogPrefix, err)
	}
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to postgres: %w", ensureLogPrefix, err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s - failed to check database: %w", ensureLogPrefix, err)
	}
	if exists {
		return nil
	}

	slog.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, name))
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("%s - CREATE DATABASE failed: %w", ensureLogPrefix, err)
	}
	return nil
}
