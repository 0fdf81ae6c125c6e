// Package profile loads named agent profiles: a provider/model choice, a
// system prompt, and an optional tool filter, kept as yaml files in the
// profiles directory.
package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile defines an agent's personality and capabilities.
type Profile struct {
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	MaxIter      int      `yaml:"max_iterations"`
}

// Load reads a profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}

	return &p, nil
}

// LoadNamed resolves a profile by name inside the profiles directory.
func LoadNamed(dir, name string) (*Profile, error) {
	return Load(filepath.Join(dir, name+".yaml"))
}
