package validate

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OverridesFile is the repo-local validator configuration, read once per
// ticket from the clone root.
const OverridesFile = ".gantry.yml"

// Overrides lets a repository adjust how its tickets are validated: a
// different ladder level, or explicit lint/typecheck commands when the
// defaults guess wrong.
type Overrides struct {
	ValidationLevel string   `yaml:"validation_level"`
	Lint            []string `yaml:"lint"`
	Typecheck       []string `yaml:"typecheck"`
}

// LoadOverrides reads .gantry.yml from the clone root. A missing file is
// not an error; a malformed one is.
func LoadOverrides(root string) (*Overrides, error) {
	data, err := os.ReadFile(filepath.Join(root, OverridesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", OverridesFile, err)
	}
	var overrides Overrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse %s: %w", OverridesFile, err)
	}
	return &overrides, nil
}
