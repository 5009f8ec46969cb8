package plugins

import (
	"errors"
	"regexp"
	"strings"
)

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+`)
)

// reservedIDs cannot be used as plugin ids. A plugin's storage namespace is
// "<id>:", so the id "plugin" would own the persisted enabled flags.
var reservedIDs = map[string]bool{
	"plugin": true,
}

// Validate checks the metadata of a plugin before registration. It does not
// look at the registry; dependency presence is checked by the manager.
func Validate(meta Metadata, coreVersion string) error {
	required := []struct {
		field string
		value string
	}{
		{"id", meta.ID},
		{"name", meta.Name},
		{"version", meta.Version},
		{"description", meta.Description},
		{"author", meta.Author},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{PluginID: meta.ID, Field: r.field, Reason: "is required"}
		}
	}

	if !idPattern.MatchString(meta.ID) {
		return &ValidationError{PluginID: meta.ID, Field: "id", Reason: "must be kebab-case"}
	}
	if reservedIDs[meta.ID] {
		return &ValidationError{PluginID: meta.ID, Field: "id", Reason: "is reserved"}
	}
	if !versionPattern.MatchString(meta.Version) {
		return &ValidationError{PluginID: meta.ID, Field: "version", Reason: "must start with MAJOR.MINOR.PATCH"}
	}
	for _, dep := range meta.Dependencies {
		if dep == meta.ID {
			return &ValidationError{PluginID: meta.ID, Field: "dependencies", Reason: "must not include the plugin itself"}
		}
	}

	if err := CheckCoreVersion(meta.RequiredCoreVersion, coreVersion); err != nil {
		if errors.Is(err, ErrCoreVersionMismatch) {
			return err
		}
		return &ValidationError{PluginID: meta.ID, Field: "required_core_version", Reason: err.Error()}
	}
	return nil
}
