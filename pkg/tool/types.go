// Package tool holds the types shared by the dispatch core, its providers
// and the cross-context transport.
package tool

import (
	"context"
	"time"
)

// Envelope is the normalized record of a single tool invocation.
type Envelope struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Provider string         `json:"provider"`
	Payload  any            `json:"payload,omitempty"`
	Async    bool           `json:"async"`
	Time     time.Time      `json:"timestamp"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Key returns the "provider:name" form used in logs and allow-lists.
func (e *Envelope) Key() string {
	return e.Provider + ":" + e.Name
}

// Clone returns a copy of the envelope with its own Meta map.
// The payload is shared.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Meta = cloneMap(e.Meta)
	return &c
}

// MetaString returns a string meta field, or "" when absent.
func (e *Envelope) MetaString(key string) string {
	if e == nil || e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}

// CallMeta carries the optional caller overrides of a dispatch.
type CallMeta struct {
	ID       string
	Provider string
	Async    *bool
	// Timeout overrides the dispatcher's default timeout for this call.
	Timeout time.Duration
	Extra   map[string]any
}

// Metadata describes a tool at registration time.
type Metadata struct {
	Async       *bool          `json:"async,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
}

// Entry is a registered tool.
type Entry struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Metadata
	Registered time.Time `json:"registered"`
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	c := e
	if e.Async != nil {
		v := *e.Async
		c.Async = &v
	}
	c.Schema = cloneMap(e.Schema)
	return c
}

// Provider handles the tools registered under its name.
type Provider interface {
	Handle(ctx context.Context, env *Envelope) (*Result, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, env *Envelope) (*Result, error)

// Handle calls f(ctx, env).
func (f ProviderFunc) Handle(ctx context.Context, env *Envelope) (*Result, error) {
	return f(ctx, env)
}

// Bool returns a pointer to b, for Metadata.Async and CallMeta.Async.
func Bool(b bool) *bool {
	return &b
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
