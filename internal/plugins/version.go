package plugins

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CoreVersion is the version of the plugin API offered by this host.
const CoreVersion = "1.0.0"

// parseVersion accepts semantic versions with or without a leading "v".
func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(s), "v"))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// CompareVersions returns -1, 0 or 1 as a is older than, equal to or newer
// than b.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// isDowngrade reports whether replacing installed with candidate would move
// to an older version. Unparseable versions never count as a downgrade.
func isDowngrade(installed, candidate string) bool {
	c, err := CompareVersions(candidate, installed)
	return err == nil && c < 0
}

// CheckCoreVersion reports whether core satisfies the constraint a plugin
// declares, e.g. ">=1.0.0, <2.0.0". An empty constraint always matches.
func CheckCoreVersion(constraint, core string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid core version constraint %q: %w", constraint, err)
	}
	v, err := parseVersion(core)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: core %s does not satisfy %s", ErrCoreVersionMismatch, core, constraint)
	}
	return nil
}
