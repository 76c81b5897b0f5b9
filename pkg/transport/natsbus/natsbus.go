// Package natsbus carries channel messages over COMMS (NATS). Contexts share
// a broadcast subject per channel and each owns a direct inbox subject.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/toolsystem/pkg/commsutil"
	"github.com/morezero/toolsystem/pkg/transport"
)

const logPrefix = "natsbus:natsbus"

// Options configures a Channel.
type Options struct {
	// Channel is the logical channel name shared by all contexts.
	Channel string
	// SelfID is this context's source id; its own publications are dropped.
	SelfID string
	// Peers switches publishing to the peers' inboxes instead of the
	// broadcast subject. Messages targeting a listed peer go only to it.
	Peers []string
	// Codec defaults to JSON.
	Codec commsutil.Codec
	// CloseConn closes the connection on Close.
	CloseConn bool
}

// Channel implements transport.Channel on a COMMS connection.
type Channel struct {
	nc   *comms.Conn
	opts Options

	mu   sync.Mutex
	subs []*comms.Subscription
}

// New creates a Channel on nc.
func New(nc *comms.Conn, opts Options) (*Channel, error) {
	if nc == nil {
		return nil, fmt.Errorf("%s - connection is required", logPrefix)
	}
	if opts.Channel == "" || opts.SelfID == "" {
		return nil, fmt.Errorf("%s - channel and self id are required", logPrefix)
	}
	if opts.Codec == nil {
		opts.Codec = commsutil.JSONCodec{}
	}
	return &Channel{nc: nc, opts: opts}, nil
}

// NewBroadcast creates a channel that publishes on the shared broadcast subject.
func NewBroadcast(nc *comms.Conn, channel, selfID string, codec commsutil.Codec) (*Channel, error) {
	return New(nc, Options{Channel: channel, SelfID: selfID, Codec: codec})
}

// NewDirect creates a channel that publishes only to the given peers' inboxes.
func NewDirect(nc *comms.Conn, channel, selfID string, peers []string, codec commsutil.Codec) (*Channel, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("%s - direct channel needs at least one peer", logPrefix)
	}
	return New(nc, Options{Channel: channel, SelfID: selfID, Peers: peers, Codec: codec})
}

// Name implements transport.Channel.
func (c *Channel) Name() string {
	if len(c.opts.Peers) > 0 {
		return "nats-direct/" + c.opts.Codec.Name()
	}
	return "nats/" + c.opts.Codec.Name()
}

// Publish implements transport.Channel.
func (c *Channel) Publish(_ context.Context, msg *transport.Message) error {
	data, err := c.opts.Codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s - encode %s: %w", logPrefix, msg.Type, err)
	}

	var errs []error
	for _, subject := range c.subjectsFor(msg) {
		if err := c.nc.Publish(subject, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", subject, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s - publish %s: %w", logPrefix, msg.Type, err)
	}
	return nil
}

func (c *Channel) subjectsFor(msg *transport.Message) []string {
	if len(c.opts.Peers) == 0 {
		return []string{commsutil.BuildBroadcastSubject(c.opts.Channel)}
	}
	if msg.Target != "" {
		for _, p := range c.opts.Peers {
			if p == msg.Target {
				return []string{commsutil.BuildInboxSubject(c.opts.Channel, p)}
			}
		}
	}
	out := make([]string, len(c.opts.Peers))
	for i, p := range c.opts.Peers {
		out[i] = commsutil.BuildInboxSubject(c.opts.Channel, p)
	}
	return out
}

// Subscribe implements transport.Channel. The handler receives messages from
// both the broadcast subject and this context's inbox.
func (c *Channel) Subscribe(handler func(*transport.Message)) (func(), error) {
	cb := func(m *comms.Msg) {
		var msg transport.Message
		if err := c.opts.Codec.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropped undecodable message on %s: %v", logPrefix, m.Subject, err))
			return
		}
		if msg.Source == c.opts.SelfID {
			return
		}
		handler(&msg)
	}

	subjects := []string{
		commsutil.BuildBroadcastSubject(c.opts.Channel),
		commsutil.BuildInboxSubject(c.opts.Channel, c.opts.SelfID),
	}
	var subs []*comms.Subscription
	for _, subject := range subjects {
		sub, err := c.nc.Subscribe(subject, cb)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("%s - subscribe %s: %w", logPrefix, subject, err)
		}
		subs = append(subs, sub)
	}
	if err := c.nc.Flush(); err != nil {
		slog.Warn(fmt.Sprintf("%s - flush after subscribe failed: %v", logPrefix, err))
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %v", logPrefix, subjects))

	c.mu.Lock()
	c.subs = append(c.subs, subs...)
	c.mu.Unlock()

	return func() {
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) && !errors.Is(err, comms.ErrBadSubscription) {
				slog.Warn(fmt.Sprintf("%s - unsubscribe %s failed: %v", logPrefix, s.Subject, err))
			}
		}
	}, nil
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if c.opts.CloseConn {
		if err := c.nc.Drain(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
			return fmt.Errorf("%s - drain: %w", logPrefix, err)
		}
	}
	return nil
}
