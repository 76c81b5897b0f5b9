package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// SatisfiesRange checks if a version string satisfies a range. An empty
// range matches any valid version.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	if rangeStr == "" {
		return true
	}

	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// Compatible reports whether a peer protocol version satisfies the local
// constraint. Malformed input is an error rather than a mismatch.
func Compatible(version, constraint string) (bool, error) {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("%s - invalid constraint %q: %w", resolverLogPrefix, constraint, err)
	}
	return c.Check(sv), nil
}

// ValidateConstraint checks that a constraint string parses.
func ValidateConstraint(constraint string) error {
	if _, err := masterminds.NewConstraint(constraint); err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", resolverLogPrefix, constraint, err)
	}
	return nil
}
