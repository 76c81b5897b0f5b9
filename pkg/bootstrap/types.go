// Package bootstrap loads the tool manifest registered at startup.
package bootstrap

import (
	"github.com/morezero/toolsystem/pkg/semver"
	"github.com/morezero/toolsystem/pkg/tool"
)

// ManifestTool is a tool entry in the manifest.
type ManifestTool struct {
	Async       *bool          `json:"async,omitempty"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Metadata converts the entry into registration metadata.
func (mt ManifestTool) Metadata() tool.Metadata {
	return tool.Metadata{
		Async:       mt.Async,
		Schema:      mt.Schema,
		Description: mt.Description,
		Version:     mt.Version,
	}
}

// Manifest is the root tool manifest. Tools are keyed by "provider:name".
type Manifest struct {
	Name        string                  `json:"name"`
	Version     string                  `json:"version"`
	Description string                  `json:"description,omitempty"`
	Tools       map[string]ManifestTool `json:"tools"`
	Aliases     map[string]string       `json:"aliases"`
}

// Registrar accepts tool registrations. *dispatcher.Dispatcher satisfies it.
type Registrar interface {
	AddTool(provider, name string, md tool.Metadata) (tool.Entry, error)
}

// ResolvedManifest provides fast lookup of manifest tools.
type ResolvedManifest struct {
	name    string
	version string
	tools   map[string]*ManifestTool
	aliases map[string]string
}

// Get returns a manifest tool by reference ("app:notify", "app:notify@^1")
// or alias. A reference with a range only matches tools whose version
// satisfies it.
func (rm *ResolvedManifest) Get(ref string) *ManifestTool {
	if t, ok := rm.tools[ref]; ok {
		return t
	}
	if resolved, ok := rm.aliases[ref]; ok {
		ref = resolved
		if t, ok := rm.tools[ref]; ok {
			return t
		}
	}

	parsed, err := semver.ParseToolRef(ref)
	if err != nil || parsed.Provider == "" {
		return nil
	}
	t, ok := rm.tools[parsed.Provider+":"+parsed.Name]
	if !ok {
		return nil
	}
	if parsed.Range != "" && t.Version != "" && !semver.SatisfiesRange(t.Version, parsed.Range) {
		return nil
	}
	return t
}

// ResolveAlias resolves an alias to the full tool reference.
func (rm *ResolvedManifest) ResolveAlias(alias string) string {
	if resolved, ok := rm.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// List returns all manifest tools.
func (rm *ResolvedManifest) List() map[string]*ManifestTool {
	return rm.tools
}

// Name returns the manifest name.
func (rm *ResolvedManifest) Name() string {
	return rm.name
}

// Version returns the manifest version.
func (rm *ResolvedManifest) Version() string {
	return rm.version
}
