package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/toolsystem/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher.
type CommsPublisherOpts struct {
	// Subject is the shared event subject. Defaults to commsutil.SubjectEvents.
	Subject string
}

// CommsPublisher exports dispatcher lifecycle events over NATS.
type CommsPublisher struct {
	nc      *comms.Conn
	subject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	subject := commsutil.SubjectEvents
	if opts != nil && opts.Subject != "" {
		subject = opts.Subject
	}
	return &CommsPublisher{nc: nc, subject: subject}
}

// Publish sends event on its per-type subject and then on the shared
// subject, so consumers can subscribe to one kind or to all of them.
func (p *CommsPublisher) Publish(_ context.Context, event *LifecycleEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode %s event: %w", commsPublisherLogPrefix, event.Type, err)
	}

	for _, subject := range []string{commsutil.BuildEventSubject(p.subject, event.Type), p.subject} {
		if err := p.nc.Publish(subject, data); err != nil {
			slog.Error(fmt.Sprintf("%s - publish to %s failed: %v", commsPublisherLogPrefix, subject, err))
			return fmt.Errorf("%s - publish to %s: %w", commsPublisherLogPrefix, subject, err)
		}
	}

	slog.Debug(fmt.Sprintf("%s - Published %s for %s:%s", commsPublisherLogPrefix, event.Type, event.Provider, event.Name))
	return nil
}
