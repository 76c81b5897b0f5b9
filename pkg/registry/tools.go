// Package registry holds the tool metadata table and the provider table.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/morezero/toolsystem/pkg/semver"
	"github.com/morezero/toolsystem/pkg/tool"
)

const (
	toolsLogPrefix = "registry:tools"
	maxSchemaBytes = 256 * 1024 // 256KB per schema
)

// Tools maps (provider, tool) to its registration entry.
type Tools struct {
	mu      sync.RWMutex
	entries map[string]map[string]tool.Entry
	now     func() time.Time
}

// NewTools creates an empty tool table. now stamps registrations; nil uses time.Now.
func NewTools(now func() time.Time) *Tools {
	if now == nil {
		now = time.Now
	}
	return &Tools{entries: make(map[string]map[string]tool.Entry), now: now}
}

// validateRegistration checks names, schema size and the version string.
func validateRegistration(provider, name string, md tool.Metadata) error {
	if !semver.ValidateProviderName(provider) {
		return fmt.Errorf("%s - invalid provider name %q", toolsLogPrefix, provider)
	}
	if !semver.ValidateToolName(name) {
		return fmt.Errorf("%s - invalid tool name %q", toolsLogPrefix, name)
	}
	if md.Version != "" && !semver.IsExactVersion(md.Version) {
		return fmt.Errorf("%s - tool %s:%s version %q is not an exact version", toolsLogPrefix, provider, name, md.Version)
	}
	if md.Schema != nil {
		b, err := json.Marshal(md.Schema)
		if err != nil {
			return fmt.Errorf("%s - tool %s:%s schema is not serializable: %w", toolsLogPrefix, provider, name, err)
		}
		if len(b) > maxSchemaBytes {
			return fmt.Errorf("%s - tool %s:%s schema exceeds %d bytes", toolsLogPrefix, provider, name, maxSchemaBytes)
		}
	}
	return nil
}

// Register inserts or replaces the entry for (provider, name).
func (t *Tools) Register(provider, name string, md tool.Metadata) (tool.Entry, error) {
	if err := validateRegistration(provider, name, md); err != nil {
		return tool.Entry{}, err
	}

	entry := tool.Entry{
		Provider:   provider,
		Name:       name,
		Metadata:   md,
		Registered: t.now(),
	}
	entry = entry.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.entries[provider]
	if !ok {
		bucket = make(map[string]tool.Entry)
		t.entries[provider] = bucket
	}
	bucket[name] = entry
	return entry.Clone(), nil
}

// Lookup returns a copy of the entry for (provider, name).
func (t *Tools) Lookup(provider, name string) (tool.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[provider][name]
	if !ok {
		return tool.Entry{}, false
	}
	return e.Clone(), true
}

// Match looks up ref and checks the registered version against its range.
// Tools registered without a version match any range.
func (t *Tools) Match(ref *semver.ToolRef, defaultProvider string) (tool.Entry, bool) {
	provider := ref.Provider
	if provider == "" {
		provider = defaultProvider
	}
	e, ok := t.Lookup(provider, ref.Name)
	if !ok {
		return tool.Entry{}, false
	}
	if ref.Range != "" && e.Version != "" && !semver.SatisfiesRange(e.Version, ref.Range) {
		return tool.Entry{}, false
	}
	return e, true
}

// Async reports the registered async flag for (provider, name), if any.
func (t *Tools) Async(provider, name string) *bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[provider][name]
	if !ok || e.Async == nil {
		return nil
	}
	v := *e.Async
	return &v
}

// Snapshot returns a deep copy of the table, keyed by provider then tool.
func (t *Tools) Snapshot() map[string]map[string]tool.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[string]tool.Entry, len(t.entries))
	for provider, bucket := range t.entries {
		copied := make(map[string]tool.Entry, len(bucket))
		for name, e := range bucket {
			copied[name] = e.Clone()
		}
		out[provider] = copied
	}
	return out
}

// List returns every entry ordered by provider and tool name.
func (t *Tools) List() []tool.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []tool.Entry
	for _, bucket := range t.entries {
		for _, e := range bucket {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Name < out[j].Name
	})
	return out
}
