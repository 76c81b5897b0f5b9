// Package transport carries tool calls, responses, state sync and liveness
// messages between dispatch contexts over a pluggable Channel.
package transport

import (
	"time"

	"github.com/morezero/toolsystem/pkg/tool"
)

// Message types.
const (
	TypeToolCall           = "tool:call"
	TypeToolResponse       = "tool:response"
	TypeToolError          = "tool:error"
	TypeStateSync          = "state:sync"
	TypeConnectionRequest  = "connection:request"
	TypeConnectionResponse = "connection:response"
	TypePing               = "ping"
	TypePong               = "pong"
)

// Message is the wire unit exchanged on a channel. Fields are populated
// according to Type.
type Message struct {
	Type      string    `json:"type"`
	Channel   string    `json:"_channel"`
	Timestamp time.Time `json:"_timestamp"`
	MsgID     string    `json:"_msgId"`
	Source    string    `json:"source"`
	Target    string    `json:"target,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Version   string    `json:"version,omitempty"`

	// tool:call
	Event           *tool.Envelope `json:"event,omitempty"`
	RequestResponse bool           `json:"requestResponse,omitempty"`

	// tool:response, tool:error
	RequestID string            `json:"requestId,omitempty"`
	Result    *tool.Result      `json:"result,omitempty"`
	Error     *tool.ErrorDetail `json:"error,omitempty"`

	// state:sync
	Path  string `json:"path,omitempty"`
	State any    `json:"state,omitempty"`

	// ping, pong
	PingID string `json:"pingId,omitempty"`
}
