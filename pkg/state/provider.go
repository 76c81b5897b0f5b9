package state

import (
	"context"
	"fmt"

	"github.com/morezero/toolsystem/pkg/commsutil"
	"github.com/morezero/toolsystem/pkg/tool"
)

const providerLogPrefix = "state:provider"

// ProviderName is the name the state provider is registered under.
const ProviderName = "state"

// Tool names.
const (
	ToolGet      = "get"
	ToolSet      = "set"
	ToolDelete   = "delete"
	ToolMerge    = "merge"
	ToolReset    = "reset"
	ToolSnapshot = "snapshot"
)

// SyncFunc propagates a local change to other contexts.
type SyncFunc func(ctx context.Context, path string, value any) error

// Provider exposes a Store as tools.
type Provider struct {
	store *Store
	sync  SyncFunc
}

// NewProvider creates a provider over store. When sync is set, local set
// calls are also propagated; changes that arrived from another context are
// not sent back.
func NewProvider(store *Store, sync SyncFunc) *Provider {
	return &Provider{store: store, sync: sync}
}

// Tools returns the tool metadata for registration. All state tools are
// synchronous.
func Tools() map[string]tool.Metadata {
	sync := tool.Bool(false)
	return map[string]tool.Metadata{
		ToolGet:      {Async: sync, Description: "Read the value at a path"},
		ToolSet:      {Async: sync, Description: "Write a value at a path"},
		ToolDelete:   {Async: sync, Description: "Remove a path"},
		ToolMerge:    {Async: sync, Description: "Merge top-level keys into the document"},
		ToolReset:    {Async: sync, Description: "Empty the document"},
		ToolSnapshot: {Async: sync, Description: "Return the whole document"},
	}
}

type pathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Handle implements tool.Provider.
func (p *Provider) Handle(ctx context.Context, env *tool.Envelope) (*tool.Result, error) {
	switch env.Name {
	case ToolGet:
		var req pathValue
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		v, ok := p.store.Get(req.Path)
		if !ok {
			return tool.Fail(fmt.Sprintf("path %q not set", req.Path)), nil
		}
		return tool.OK(v), nil

	case ToolSet:
		var req pathValue
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		if err := p.store.Set(req.Path, req.Value); err != nil {
			return nil, err
		}
		if p.sync != nil && env.Meta["_external"] != true {
			if err := p.sync(ctx, req.Path, req.Value); err != nil {
				return nil, fmt.Errorf("%s - sync %q: %w", providerLogPrefix, req.Path, err)
			}
		}
		return tool.OK(map[string]any{"path": req.Path}), nil

	case ToolDelete:
		var req pathValue
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		if err := p.store.Delete(req.Path); err != nil {
			return nil, err
		}
		return tool.OK(map[string]any{"path": req.Path}), nil

	case ToolMerge:
		var values map[string]any
		if err := decode(env.Payload, &values); err != nil {
			return nil, err
		}
		if err := p.store.Merge(values); err != nil {
			return nil, err
		}
		return tool.OK(p.store.Snapshot()), nil

	case ToolReset:
		p.store.Reset()
		return tool.OK(nil), nil

	case ToolSnapshot:
		return tool.OK(p.store.Snapshot()), nil

	default:
		return nil, fmt.Errorf("%s - unknown tool %q", providerLogPrefix, env.Name)
	}
}

func decode(payload any, dst any) error {
	if payload == nil {
		return nil
	}
	if err := commsutil.Convert(payload, dst); err != nil {
		return fmt.Errorf("%s - invalid payload: %w", providerLogPrefix, err)
	}
	return nil
}
