// Package semver parses tool references and checks version compatibility.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// ToolRef holds the parsed components of a tool reference string.
type ToolRef struct {
	// Provider name (e.g., "app"); empty when the reference named only the tool
	Provider string
	// Tool name within the provider (e.g., "notify")
	Name string
	// Version range if specified (e.g., "^1.2.0", "1", ""); empty means any version
	Range string
	// Raw input string
	Raw string
}

var (
	toolNameRegex     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	providerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseToolRef parses a tool reference string.
//
// Supported formats:
//   - notify                 (tool only, default provider)
//   - app:notify             (provider and tool)
//   - app:notify@1           (major only)
//   - app:notify@^1.2.0      (caret range)
func ParseToolRef(input string) (*ToolRef, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, fmt.Errorf("%s - empty tool reference", logPrefix)
	}

	refPart, rangeStr, _ := strings.Cut(raw, "@")

	var provider, name string
	if p, n, ok := strings.Cut(refPart, ":"); ok {
		provider, name = p, n
		if !ValidateProviderName(provider) {
			return nil, fmt.Errorf("%s - invalid provider name in %q", logPrefix, raw)
		}
	} else {
		name = refPart
	}

	if !ValidateToolName(name) {
		return nil, fmt.Errorf("%s - invalid tool name in %q", logPrefix, raw)
	}

	return &ToolRef{Provider: provider, Name: name, Range: rangeStr, Raw: raw}, nil
}

// String formats the reference back into provider:name@range form.
func (r *ToolRef) String() string {
	s := r.Name
	if r.Provider != "" {
		s = r.Provider + ":" + s
	}
	if r.Range != "" {
		s += "@" + r.Range
	}
	return s
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// ValidateToolName validates a tool name (letters, digits, dots, hyphens, underscores).
func ValidateToolName(name string) bool {
	return toolNameRegex.MatchString(name)
}

// ValidateProviderName validates a provider name (letters, digits, hyphens, underscores).
func ValidateProviderName(name string) bool {
	return providerNameRegex.MatchString(name)
}
