package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/morezero/toolsystem/pkg/semver"
	"github.com/morezero/toolsystem/pkg/tool"
)

const providersLogPrefix = "registry:providers"

// Providers maps a provider name to its handler.
type Providers struct {
	mu        sync.RWMutex
	providers map[string]tool.Provider
}

// NewProviders creates an empty provider table.
func NewProviders() *Providers {
	return &Providers{providers: make(map[string]tool.Provider)}
}

// Register stores p under name, replacing any previous provider.
func (p *Providers) Register(name string, provider tool.Provider) error {
	if provider == nil {
		te := tool.NewToolError(tool.CodeInvalidProvider, fmt.Sprintf("Provider %q must implement Handle", name))
		return fmt.Errorf("%s - %w", providersLogPrefix, te)
	}
	if !semver.ValidateProviderName(name) {
		te := tool.NewToolError(tool.CodeInvalidProvider, fmt.Sprintf("invalid provider name %q", name))
		return fmt.Errorf("%s - %w", providersLogPrefix, te)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[name] = provider
	return nil
}

// Get returns the provider registered under name.
func (p *Providers) Get(name string) (tool.Provider, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prov, ok := p.providers[name]
	return prov, ok
}

// Has reports whether a provider is registered under name.
func (p *Providers) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Names returns the registered provider names, sorted.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.providers))
	for n := range p.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
