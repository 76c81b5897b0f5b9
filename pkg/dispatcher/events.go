package dispatcher

import (
	"time"

	"github.com/morezero/toolsystem/pkg/tool"
)

// Lifecycle event types emitted on the dispatcher's bus.
const (
	EventCall               = "tool:call"
	EventComplete           = "tool:complete"
	EventError              = "tool:error"
	EventTimeout            = "tool:timeout"
	EventCancelled          = "tool:cancelled"
	EventProviderRegistered = "provider:registered"
	EventToolRegistered     = "tool:registered"
)

// CallEventType returns the per-tool call event, "tool:call:<provider>.<name>".
func CallEventType(provider, name string) string {
	return EventCall + ":" + provider + "." + name
}

// CallEvent is the payload of the tool:* events.
type CallEvent struct {
	Envelope *tool.Envelope    `json:"envelope"`
	Result   *tool.Result      `json:"result,omitempty"`
	Error    *tool.ErrorDetail `json:"error,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// ProviderEvent is the payload of provider:registered.
type ProviderEvent struct {
	Name string `json:"name"`
}
