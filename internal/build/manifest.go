package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ManifestFile is the project manifest inspected for framework markers
const ManifestFile = "package.json"

// ErrNoManifest is returned when the project root has no manifest
var ErrNoManifest = errors.New("no package.json")

// Manifest is the subset of package.json the detector reads
type Manifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

// ReadManifest parses root/package.json
func ReadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// DependencyNames returns the union of dependencies and devDependencies
func (m *Manifest) DependencyNames() map[string]struct{} {
	names := make(map[string]struct{}, len(m.Dependencies)+len(m.DevDependencies))
	for name := range m.Dependencies {
		names[name] = struct{}{}
	}
	for name := range m.DevDependencies {
		names[name] = struct{}{}
	}
	return names
}

// HasScript reports whether the manifest declares a non-empty script
func (m *Manifest) HasScript(name string) bool {
	return m != nil && m.Scripts[name] != ""
}
