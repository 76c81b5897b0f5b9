// Package pgrelay carries channel messages through a Postgres table. Rows are
// announced with LISTEN/NOTIFY and removed shortly after insertion.
package pgrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/morezero/toolsystem/pkg/db"
	"github.com/morezero/toolsystem/pkg/transport"
)

const logPrefix = "pgrelay:relay"

// DefaultTTL is how long a relayed row is kept before deletion.
const DefaultTTL = 100 * time.Millisecond

// Options configures a Relay.
type Options struct {
	// Key partitions the table; contexts sharing a key see each other.
	Key    string
	SelfID string
	TTL    time.Duration
	Clock  clockwork.Clock
}

// Relay implements transport.Channel on the tool_relay table. Payloads are
// always JSON so the table stays queryable.
type Relay struct {
	repo *db.RelayRepository
	opts Options

	mu      sync.Mutex
	cancels []func()
}

// New creates a Relay.
func New(repo *db.RelayRepository, opts Options) (*Relay, error) {
	if repo == nil {
		return nil, fmt.Errorf("%s - repository is required", logPrefix)
	}
	if opts.Key == "" || opts.SelfID == "" {
		return nil, fmt.Errorf("%s - key and self id are required", logPrefix)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Relay{repo: repo, opts: opts}, nil
}

// Name implements transport.Channel.
func (r *Relay) Name() string {
	return "postgres"
}

// Publish implements transport.Channel.
func (r *Relay) Publish(ctx context.Context, msg *transport.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s - encode %s: %w", logPrefix, msg.Type, err)
	}
	id, err := r.repo.Insert(ctx, r.opts.Key, r.opts.SelfID, payload)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}

	r.opts.Clock.AfterFunc(r.opts.TTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.repo.Delete(ctx, id); err != nil {
			slog.Debug(fmt.Sprintf("%s - cleanup of row %d failed: %v", logPrefix, id, err))
		}
	})
	return nil
}

// Subscribe implements transport.Channel. It holds one pooled connection in
// LISTEN mode until the returned function is called.
func (r *Relay) Subscribe(handler func(*transport.Message)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	conn, err := r.repo.Pool().Acquire(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s - acquire listen connection: %w", logPrefix, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+db.RelayNotifyChannel); err != nil {
		conn.Release()
		cancel()
		return nil, fmt.Errorf("%s - LISTEN failed: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Listening on %s for key %s", logPrefix, db.RelayNotifyChannel, r.opts.Key))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					slog.Error(fmt.Sprintf("%s - wait for notification: %v", logPrefix, err))
				}
				return
			}
			r.dispatch(ctx, n.Payload, handler)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			if !conn.Conn().IsClosed() {
				uctx, ucancel := context.WithTimeout(context.Background(), 2*time.Second)
				if _, err := conn.Exec(uctx, "UNLISTEN "+db.RelayNotifyChannel); err != nil {
					slog.Debug(fmt.Sprintf("%s - UNLISTEN failed: %v", logPrefix, err))
				}
				ucancel()
			}
			conn.Release()
		})
	}

	r.mu.Lock()
	r.cancels = append(r.cancels, stop)
	r.mu.Unlock()
	return stop, nil
}

func (r *Relay) dispatch(ctx context.Context, raw string, handler func(*transport.Message)) {
	note, err := db.ParseNotification(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
		return
	}
	if note.Key != r.opts.Key {
		return
	}

	payload := note.Payload
	if len(payload) == 0 {
		row, err := r.repo.Get(ctx, note.ID)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
			return
		}
		if row == nil {
			slog.Debug(fmt.Sprintf("%s - row %d expired before it was read", logPrefix, note.ID))
			return
		}
		payload = row.Payload
	}

	var msg transport.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropped undecodable row %d: %v", logPrefix, note.ID, err))
		return
	}
	if msg.Source == r.opts.SelfID {
		return
	}
	handler(&msg)
}

// Close implements transport.Channel. The pool is left open.
func (r *Relay) Close() error {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return nil
}
