package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const relayLogPrefix = "db:relay"

// RelayNotifyChannel is the LISTEN/NOTIFY channel the relay trigger uses.
const RelayNotifyChannel = "tool_relay"

// RelayRow is one relayed message.
type RelayRow struct {
	ID      int64           `json:"id"`
	Key     string          `json:"key"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
	Created time.Time       `json:"created"`
}

// RelayNotification is the pg_notify payload emitted on insert. Payload is
// omitted for rows too large for a notification.
type RelayNotification struct {
	ID      int64           `json:"id"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RelayRepository provides access to the tool_relay table.
type RelayRepository struct {
	pool *pgxpool.Pool
}

// NewRelayRepository creates a new RelayRepository with the given pool.
func NewRelayRepository(pool *pgxpool.Pool) *RelayRepository {
	return &RelayRepository{pool: pool}
}

// Pool returns the underlying pool.
func (r *RelayRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Insert writes a relay row; the insert trigger notifies listeners.
func (r *RelayRepository) Insert(ctx context.Context, key, source string, payload []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO tool_relay (key, source, payload) VALUES ($1, $2, $3) RETURNING id`,
		key, source, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s - Insert failed: %w", relayLogPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - Insert id=%d key=%s", relayLogPrefix, id, key))
	return id, nil
}

// Get returns the row with id, or nil when it no longer exists.
func (r *RelayRepository) Get(ctx context.Context, id int64) (*RelayRow, error) {
	var row RelayRow
	err := r.pool.QueryRow(ctx,
		`SELECT id, key, source, payload, created FROM tool_relay WHERE id = $1`, id,
	).Scan(&row.ID, &row.Key, &row.Source, &row.Payload, &row.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - Get failed: %w", relayLogPrefix, err)
	}
	return &row, nil
}

// Delete removes the row with id.
func (r *RelayRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM tool_relay WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s - Delete failed: %w", relayLogPrefix, err)
	}
	return nil
}

// DeleteOlderThan removes rows created before cutoff and returns the count.
func (r *RelayRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tool_relay WHERE created < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s - DeleteOlderThan failed: %w", relayLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of rows for key.
func (r *RelayRepository) Count(ctx context.Context, key string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM tool_relay WHERE key = $1`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s - Count failed: %w", relayLogPrefix, err)
	}
	return n, nil
}

// ParseNotification decodes a pg_notify payload from the relay trigger.
func ParseNotification(payload string) (*RelayNotification, error) {
	var n RelayNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, fmt.Errorf("%s - invalid notification payload: %w", relayLogPrefix, err)
	}
	return &n, nil
}
