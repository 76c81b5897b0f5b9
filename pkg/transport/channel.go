package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const channelLogPrefix = "transport:channel"

// Channel delivers messages to every other context joined to it.
// Implementations must not deliver a context's own publications back to it.
type Channel interface {
	Name() string
	Publish(ctx context.Context, msg *Message) error
	// Subscribe registers handler and returns a function that removes it.
	Subscribe(handler func(*Message)) (func(), error)
	Close() error
}

// Candidate is a channel constructor tried by Open.
type Candidate struct {
	Name string
	Open func(ctx context.Context) (Channel, error)
}

// Open returns the first candidate that opens successfully, logging each
// fallback.
func Open(ctx context.Context, candidates ...Candidate) (Channel, error) {
	var errs []error
	for _, c := range candidates {
		ch, err := c.Open(ctx)
		if err == nil {
			slog.Info(fmt.Sprintf("%s - Using %s transport", channelLogPrefix, c.Name))
			return ch, nil
		}
		slog.Warn(fmt.Sprintf("%s - %s transport unavailable, falling back: %v", channelLogPrefix, c.Name, err))
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%s - no transport candidates", channelLogPrefix)
	}
	return nil, fmt.Errorf("%s - no transport available: %w", channelLogPrefix, errors.Join(errs...))
}

// Fanout publishes to several channels and merges their deliveries.
type Fanout struct {
	channels []Channel
}

// NewFanout combines channels; nil entries are skipped.
func NewFanout(channels ...Channel) *Fanout {
	f := &Fanout{}
	for _, ch := range channels {
		if ch != nil {
			f.channels = append(f.channels, ch)
		}
	}
	return f
}

// Name implements Channel.
func (f *Fanout) Name() string {
	names := make([]string, len(f.channels))
	for i, ch := range f.channels {
		names[i] = ch.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

// Publish implements Channel. It publishes to every channel and joins the errors.
func (f *Fanout) Publish(ctx context.Context, msg *Message) error {
	var errs []error
	for _, ch := range f.channels {
		if err := ch.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe implements Channel.
func (f *Fanout) Subscribe(handler func(*Message)) (func(), error) {
	var unsubs []func()
	for _, ch := range f.channels {
		unsub, err := ch.Subscribe(handler)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, fmt.Errorf("%s - subscribe %s: %w", channelLogPrefix, ch.Name(), err)
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// Close implements Channel.
func (f *Fanout) Close() error {
	var errs []error
	for _, ch := range f.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
