// Package plugin implements the Plugin Loader & Registry: parsing plugin
// manifests, classifying a loaded script's exported table into lifecycle,
// event, and user-command entries, and owning plugin lifetime.
package plugin

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest represents a plugin.yaml file.
type Manifest struct {
	// Entry is the Lua script path, relative to the manifest's directory.
	Entry string `yaml:"entry"`

	// Version is an informational plugin version, not enforced against
	// any constraint solver.
	Version string `yaml:"version,omitempty"`

	// Description is a short human-readable summary; informational only.
	Description string `yaml:"description,omitempty"`

	// Capabilities is an optional host-tag allowlist (see internal/capability).
	// A plugin that omits this field is ungated.
	Capabilities []string `yaml:"capabilities,omitempty"`
}

const maxNameLength = 64

// namePattern validates plugin display names derived from the entry file's
// basename: must start with a lowercase letter, followed by lowercase
// letters, digits, or hyphens, and must not end with a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file's contents.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Entry == "" {
		return fmt.Errorf("entry is required")
	}
	if ext := filepath.Ext(m.Entry); ext != "" && ext != ".lua" {
		return fmt.Errorf("entry %q has unsupported extension %q, want .lua", m.Entry, ext)
	}

	name := DisplayName(m.Entry)
	if !namePattern.MatchString(name) {
		return fmt.Errorf("display name %q (derived from entry %q) must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", name, m.Entry)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("display name must be %d characters or less, got %d", maxNameLength, len(name))
	}

	return nil
}

// DisplayName derives a plugin's display name from its entry file's
// basename with any extension removed. It rejects nothing (Validate
// rejects non-.lua extensions), and an entry without an extension is used
// as given; no .lua suffix is added. Grounded in the original engine's
// get_plugin_name.
func DisplayName(entry string) string {
	base := filepath.Base(entry)
	ext := filepath.Ext(base)
	if ext == "" {
		return base
	}
	return strings.TrimSuffix(base, ext)
}
