// Package invite spawns operator-configured CLI agents onto threads. The
// catalog is a declarative YAML file; entries are not mutable at runtime.
package invite

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes how to invoke one named CLI agent.
type CatalogEntry struct {
	Name           string `yaml:"name"`
	DisplayName    string `yaml:"display_name"`
	Description    string `yaml:"description"`
	InvokeCommand  string `yaml:"invoke_command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

type catalogFile struct {
	Agents []CatalogEntry `yaml:"agents"`
}

// LoadCatalog parses the agent catalog. A missing file yields an empty
// catalog rather than an error so the bus runs without one.
func LoadCatalog(path string) ([]CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent catalog: %w", err)
	}

	for i := range file.Agents {
		if file.Agents[i].Name == "" {
			return nil, fmt.Errorf("agent catalog entry %d has no name", i)
		}
		if file.Agents[i].TimeoutSeconds <= 0 {
			file.Agents[i].TimeoutSeconds = 600
		}
	}
	return file.Agents, nil
}
