// Package events exports dispatcher lifecycle events to external subscribers.
package events

import (
	"strings"
	"time"

	"github.com/morezero/toolsystem/pkg/dispatcher"
	"github.com/morezero/toolsystem/pkg/tool"
)

// LifecycleEvent is the exported form of a dispatcher bus event.
type LifecycleEvent struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Success   *bool             `json:"success,omitempty"`
	Error     *tool.ErrorDetail `json:"error,omitempty"`
	Source    string            `json:"source,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// FromBusEvent converts a bus emission into a LifecycleEvent. It reports
// false for event types that are not exported: the per-tool call events
// duplicate tool:call.
func FromBusEvent(eventType string, data any, source string, now time.Time) (*LifecycleEvent, bool) {
	if strings.HasPrefix(eventType, dispatcher.EventCall+":") {
		return nil, false
	}

	ev := &LifecycleEvent{
		Type:      eventType,
		Source:    source,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}

	switch d := data.(type) {
	case dispatcher.CallEvent:
		if d.Envelope != nil {
			ev.ID = d.Envelope.ID
			ev.Name = d.Envelope.Name
			ev.Provider = d.Envelope.Provider
		}
		if d.Result != nil {
			ev.Success = tool.Bool(d.Result.Success)
		}
		if d.Error != nil {
			ev.Success = tool.Bool(false)
			ev.Error = d.Error
		}
	case dispatcher.ProviderEvent:
		ev.Provider = d.Name
	case tool.Entry:
		ev.Provider = d.Provider
		ev.Name = d.Name
	default:
		return nil, false
	}
	return ev, true
}
