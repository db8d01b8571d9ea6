package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Package describes one installed package: the install-time specification.
// Import is the name user code references, which may differ from the
// install name (e.g. python-dateutil installs, dateutil imports).
type Package struct {
	Version string `yaml:"version"`
	Import  string `yaml:"import,omitempty"`
}

// Manifest is the install surface: install name → package. It says nothing
// about what user code is permitted to reference; that is the allow-list's
// job, and the two are never derived from each other.
type Manifest struct {
	Packages map[string]Package `yaml:"packages"`
}

// LoadManifest reads a YAML package manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// ImportNames returns the import name of every installed package: the
// Import field when set, the install name otherwise.
func (m *Manifest) ImportNames() []string {
	names := make([]string, 0, len(m.Packages))
	for install, pkg := range m.Packages {
		if pkg.Import != "" {
			names = append(names, pkg.Import)
		} else {
			names = append(names, install)
		}
	}
	return names
}

// HasImport reports whether any installed package provides the import name.
func (m *Manifest) HasImport(name string) bool {
	for install, pkg := range m.Packages {
		if pkg.Import == name || (pkg.Import == "" && install == name) {
			return true
		}
	}
	return false
}
