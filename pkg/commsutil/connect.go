// Package commsutil provides COMMS (NATS) connection helpers, wire codecs
// and subject builders for the cross-context channel.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectParams holds parameters for Connect.
type ConnectParams struct {
	URL  string
	Name string
	// Timeout bounds the initial dial; zero uses 10s.
	Timeout time.Duration
	// MaxReconnects caps reconnect attempts; zero uses 60, negative retries forever.
	MaxReconnects int
}

// Connect creates a COMMS connection with reconnect logging.
func Connect(params ConnectParams) (*comms.Conn, error) {
	timeout := params.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxReconnects := params.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 60
	}

	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, params.URL, params.Name))

	nc, err := comms.Connect(params.URL,
		comms.Name(params.Name),
		comms.Timeout(timeout),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(maxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
		comms.ErrorHandler(func(_ *comms.Conn, sub *comms.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error(fmt.Sprintf("%s - COMMS async error on %q: %v", logPrefix, subject, err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
