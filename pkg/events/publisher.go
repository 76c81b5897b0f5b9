package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/morezero/toolsystem/pkg/bus"
)

const publisherLogPrefix = "events:publisher"

// EventPublisher is the interface for publishing lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event *LifecycleEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ *LifecycleEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *LifecycleEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *LifecycleEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, event *LifecycleEvent) error {
	return p.callback(ctx, event)
}

// Forward publishes every exportable event emitted on b. Publish failures
// are logged. Unsubscribe the returned subscription to stop forwarding.
func Forward(b *bus.Bus, pub EventPublisher, source string, clock clockwork.Clock) *bus.Subscription {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return b.On(bus.Wildcard, func(eventType string, data any) {
		ev, ok := FromBusEvent(eventType, data, source, clock.Now())
		if !ok {
			return
		}
		if err := pub.Publish(context.Background(), ev); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to forward %s: %v", publisherLogPrefix, eventType, err))
		}
	})
}
