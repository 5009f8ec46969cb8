package plugins

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Discovered is a plugin directory with a parsed manifest.
type Discovered struct {
	Manifest *Manifest
	Path     string
}

// DiscoveryResult lists the plugins found in a directory, dependencies first,
// and the directories that were skipped because of a bad manifest.
type DiscoveryResult struct {
	Plugins []Discovered
	Failed  map[string]string // plugin path -> error message
}

// Discover scans pluginDir for plugin directories. It creates pluginDir when
// missing. Hidden directories and directories without plugin.json are
// skipped.
func Discover(pluginDir string) (*DiscoveryResult, error) {
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}

	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	result := &DiscoveryResult{Failed: make(map[string]string)}
	byID := make(map[string]Discovered)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}

		pluginPath := filepath.Join(pluginDir, entry.Name())
		if _, err := os.Stat(filepath.Join(pluginPath, ManifestFile)); os.IsNotExist(err) {
			log.Printf("Skipping %s: no plugin.json found", entry.Name())
			continue
		}

		manifest, err := LoadManifest(pluginPath)
		if err != nil {
			log.Printf("Failed to load manifest for plugin %s: %v", entry.Name(), err)
			result.Failed[pluginPath] = err.Error()
			continue
		}
		if prev, dup := byID[manifest.ID]; dup {
			msg := fmt.Sprintf("duplicate plugin id %s (already provided by %s)", manifest.ID, prev.Path)
			log.Printf("Skipping plugin %s: %s", entry.Name(), msg)
			result.Failed[pluginPath] = msg
			continue
		}
		byID[manifest.ID] = Discovered{Manifest: manifest, Path: pluginPath}
	}

	for _, id := range dependencyOrder(byID) {
		result.Plugins = append(result.Plugins, byID[id])
	}
	return result, nil
}

// dependencyOrder sorts plugin ids so every plugin comes after the
// discovered plugins it depends on. Ties are broken by id. Plugins on a
// dependency cycle are appended last, sorted by id, so their registration
// fails on the missing dependency.
func dependencyOrder(byID map[string]Discovered) []string {
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string)
	for id, d := range byID {
		indegree[id] += 0
		for _, dep := range d.Manifest.Dependencies {
			if _, ok := byID[dep]; !ok || dep == id {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(byID))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}

	if len(order) < len(byID) {
		var cyclic []string
		for id, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		order = append(order, cyclic...)
	}
	return order
}
