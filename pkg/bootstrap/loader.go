package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/morezero/toolsystem/pkg/semver"
	"github.com/morezero/toolsystem/pkg/tool"
)

const logPrefix = "bootstrap:loader"

// LoadManifest loads the tool manifest from file paths or environment.
// It tries paths in order: first any paths passed in, then TOOL_MANIFEST_FILE env, then defaults.
// So an explicit path (e.g. from "serve --manifest my.json") is tried before the env var.
func LoadManifest(paths ...string) (*Manifest, error) {
	// Build path list: passed paths first, then env, then defaults
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("TOOL_MANIFEST_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/tools.json", "tools.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse manifest file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded tool manifest from %s", logPrefix, p))
		return &m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default tool manifest", logPrefix))
	return GetDefaultManifest(), nil
}

// GetDefaultManifest returns the embedded fallback manifest.
func GetDefaultManifest() *Manifest {
	sync := tool.Bool(false)
	return &Manifest{
		Name:        "toolsystem-default",
		Version:     "1.0.0",
		Description: "Default tool manifest",
		Tools: map[string]ManifestTool{
			"app:notify": {
				Async:       sync,
				Version:     "1.0.0",
				Description: "Echo a notification back to the caller",
			},
			"state:get":      {Async: sync, Description: "Read the value at a path"},
			"state:set":      {Async: sync, Description: "Write a value at a path"},
			"state:reset":    {Async: sync, Description: "Empty the document"},
			"state:snapshot": {Async: sync, Description: "Return the whole document"},
		},
		Aliases: map[string]string{
			"notify": "app:notify",
		},
	}
}

// Apply registers every manifest tool with r, in reference order. Invalid
// entries are collected and returned together after the rest are applied.
func (m *Manifest) Apply(r Registrar) error {
	refs := make([]string, 0, len(m.Tools))
	for ref := range m.Tools {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	var errs []error
	applied := 0
	for _, ref := range refs {
		parsed, err := semver.ParseToolRef(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if parsed.Provider == "" || parsed.Range != "" {
			errs = append(errs, fmt.Errorf("%s - manifest key %q must be provider:name", logPrefix, ref))
			continue
		}
		if _, err := r.AddTool(parsed.Provider, parsed.Name, m.Tools[ref].Metadata()); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}

	slog.Info(fmt.Sprintf("%s - Applied %d/%d tools from manifest %s@%s", logPrefix, applied, len(refs), m.Name, m.Version))
	return errors.Join(errs...)
}

// CreateResolvedManifest builds a ResolvedManifest for fast lookups.
func CreateResolvedManifest(m *Manifest) *ResolvedManifest {
	tools := make(map[string]*ManifestTool, len(m.Tools))
	for ref, t := range m.Tools {
		c := t // copy to avoid pointer aliasing
		tools[ref] = &c
	}

	aliases := make(map[string]string, len(m.Aliases))
	for alias, target := range m.Aliases {
		aliases[alias] = target
	}

	return &ResolvedManifest{
		name:    m.Name,
		version: m.Version,
		tools:   tools,
		aliases: aliases,
	}
}

// MergeManifests merges an override manifest into a base manifest.
func MergeManifests(base, override *Manifest) *Manifest {
	merged := *base

	merged.Tools = make(map[string]ManifestTool, len(base.Tools)+len(override.Tools))
	for ref, t := range base.Tools {
		merged.Tools[ref] = t
	}
	for ref, t := range override.Tools {
		merged.Tools[ref] = t
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}
