package transport

import (
	"context"
	"fmt"

	"github.com/morezero/toolsystem/pkg/commsutil"
	"github.com/morezero/toolsystem/pkg/tool"
)

const providerLogPrefix = "transport:provider"

// Tools served by the remote provider.
const (
	ToolRemote          = "remote"
	ToolSyncState       = "syncState"
	ToolListConnections = "listConnections"
)

// RemoteRequest is the payload of the remote tool.
type RemoteRequest struct {
	Tool     string `json:"tool"`
	Provider string `json:"provider"`
	Payload  any    `json:"payload"`
	// Target restricts delivery to one context id.
	Target string `json:"target,omitempty"`
	// Meta is layered over the caller's meta on the forwarded envelope. A
	// "provider" entry stands in for Provider when that is empty.
	Meta map[string]any `json:"meta,omitempty"`
	// RequestResponse defaults to true; false makes the call fire-and-forget.
	RequestResponse *bool `json:"requestResponse,omitempty"`
}

// SyncStateRequest is the payload of the syncState tool. State is accepted
// as an alias of Value.
type SyncStateRequest struct {
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	State any    `json:"state,omitempty"`
}

func (r SyncStateRequest) value() any {
	if r.Value != nil {
		return r.Value
	}
	return r.State
}

// ConnectionList is the result of the listConnections tool.
type ConnectionList struct {
	Connections []Connection `json:"connections"`
	Source      string       `json:"source"`
}

var remoteSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"target":          map[string]any{"type": "string", "description": "Target context id"},
		"tool":            map[string]any{"type": "string", "description": "Tool to execute"},
		"provider":        map[string]any{"type": "string", "description": "Provider of the tool"},
		"payload":         map[string]any{"description": "Tool payload"},
		"meta":            map[string]any{"type": "object", "description": "Tool metadata"},
		"requestResponse": map[string]any{"type": "boolean", "description": "Wait for the remote result", "default": true},
	},
	"required": []any{"tool", "payload"},
}

var syncStateSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"path":  map[string]any{"type": "string", "description": "State path to sync"},
		"state": map[string]any{"description": "State to sync"},
		"value": map[string]any{"description": "Alias of state"},
	},
	"required": []any{"path"},
}

// Handle implements tool.Provider for the remote tools.
func (c *Communicator) Handle(ctx context.Context, env *tool.Envelope) (*tool.Result, error) {
	c.lifeMu.Lock()
	started := c.started
	c.lifeMu.Unlock()
	if !started {
		return nil, fmt.Errorf("%s - %w", providerLogPrefix, ErrNotStarted)
	}

	switch env.Name {
	case ToolRemote:
		return c.remote(ctx, env)
	case ToolSyncState:
		return c.syncState(ctx, env)
	case ToolListConnections:
		return tool.OK(ConnectionList{Connections: c.Connections(), Source: c.opts.SourceID}), nil
	default:
		return nil, fmt.Errorf("%s - unknown tool %q", providerLogPrefix, env.Name)
	}
}

// remote forwards the call to other contexts under the caller's request id.
// The local request stays pending until a tool:response or tool:error with
// that id arrives, or the dispatcher times it out.
func (c *Communicator) remote(ctx context.Context, env *tool.Envelope) (*tool.Result, error) {
	var req RemoteRequest
	if err := commsutil.Convert(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("%s - invalid remote payload: %w", providerLogPrefix, err)
	}
	if req.Tool == "" {
		return nil, fmt.Errorf("%s - remote payload needs a tool name", providerLogPrefix)
	}
	provider := req.Provider
	if provider == "" {
		provider, _ = req.Meta["provider"].(string)
	}
	if provider == "" {
		provider = c.d.Config().DefaultProvider
	}

	var meta map[string]any
	if len(env.Meta)+len(req.Meta) > 0 {
		meta = make(map[string]any, len(env.Meta)+len(req.Meta))
		for k, v := range env.Meta {
			meta[k] = v
		}
		for k, v := range req.Meta {
			meta[k] = v
		}
		delete(meta, "provider")
	}
	requestResponse := req.RequestResponse == nil || *req.RequestResponse

	msg := &Message{
		Type:   TypeToolCall,
		Target: req.Target,
		Event: &tool.Envelope{
			ID:       env.ID,
			Name:     req.Tool,
			Provider: provider,
			Payload:  req.Payload,
			Async:    true,
			Time:     env.Time,
			Meta:     meta,
		},
		RequestResponse: requestResponse,
	}
	if err := c.send(ctx, msg); err != nil {
		return nil, err
	}

	if !requestResponse {
		return tool.OK(map[string]any{"sent": true, "id": env.ID}), nil
	}
	return tool.Deferred(), nil
}

func (c *Communicator) syncState(ctx context.Context, env *tool.Envelope) (*tool.Result, error) {
	var req SyncStateRequest
	if err := commsutil.Convert(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("%s - invalid syncState payload: %w", providerLogPrefix, err)
	}
	if req.Path == "" {
		return nil, fmt.Errorf("%s - syncState payload needs a path", providerLogPrefix)
	}
	if err := c.send(ctx, &Message{Type: TypeStateSync, Path: req.Path, State: req.value()}); err != nil {
		return nil, err
	}
	return tool.OK(map[string]any{"path": req.Path}), nil
}
