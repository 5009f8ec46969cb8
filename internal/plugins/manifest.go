package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ManifestFile      = "plugin.json"
	DefaultEntryPoint = "index.js"
)

// Manifest represents the plugin.json structure of a script plugin.
type Manifest struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	Version             string                 `json:"version"`
	Description         string                 `json:"description"`
	Author              string                 `json:"author"`
	License             string                 `json:"license,omitempty"`
	Dependencies        []string               `json:"dependencies,omitempty"`
	RequiredCoreVersion string                 `json:"required_core_version,omitempty"`
	EntryPoint          string                 `json:"entry_point"`
	Config              map[string]interface{} `json:"config,omitempty"`
}

// LoadManifest loads and parses a plugin.json file.
func LoadManifest(pluginDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin.json: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest and applies defaults. Field-level
// validation is left to Validate so manifests and Go plugins share one rule
// set.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse plugin.json: %w", err)
	}

	if manifest.ID == "" {
		return nil, fmt.Errorf("plugin.json missing required field: id")
	}
	if manifest.EntryPoint == "" {
		manifest.EntryPoint = DefaultEntryPoint
	}
	if filepath.IsAbs(manifest.EntryPoint) || !filepath.IsLocal(manifest.EntryPoint) {
		return nil, fmt.Errorf("plugin.json entry_point %q must be a relative path inside the plugin", manifest.EntryPoint)
	}
	return &manifest, nil
}

func (m *Manifest) Metadata() Metadata {
	return Metadata{
		ID:                  m.ID,
		Name:                m.Name,
		Version:             m.Version,
		Description:         m.Description,
		Author:              m.Author,
		Dependencies:        append([]string(nil), m.Dependencies...),
		RequiredCoreVersion: m.RequiredCoreVersion,
	}
}

// config returns the manifest config with {"default": v} entries flattened
// to v.
func (m *Manifest) config() map[string]interface{} {
	out := make(map[string]interface{}, len(m.Config))
	for k, v := range m.Config {
		if obj, ok := v.(map[string]interface{}); ok {
			if def, ok := obj["default"]; ok {
				out[k] = def
				continue
			}
		}
		out[k] = v
	}
	return out
}
