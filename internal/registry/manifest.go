package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFile is the required descriptor at a module source root.
const ManifestFile = "module.json"

// InputDef describes one user-supplied parameter.
type InputDef struct {
	Type        string `json:"type"` // text, number, integer, boolean
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// SettingDef describes one operator-tunable knob. Settings are never
// required; a missing value falls back to the default.
type SettingDef struct {
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Manifest is the parsed module.json.
type Manifest struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Version      string                `json:"version"`
	Description  string                `json:"description,omitempty"`
	Entrypoint   string                `json:"entrypoint,omitempty"`
	Inputs       map[string]InputDef   `json:"inputs,omitempty"`
	Settings     map[string]SettingDef `json:"settings,omitempty"`
	Capabilities []string              `json:"capabilities,omitempty"`
}

var validInputTypes = map[string]bool{
	"text":    true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

// LoadManifest reads and validates module.json under dir.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest %s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return ParseManifest(b)
}

// ParseManifest decodes manifest bytes and applies defaults.
func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Msg: "manifest: id is required"}
	}
	if strings.TrimSpace(m.Name) == "" {
		return &ValidationError{Msg: "manifest: name is required"}
	}
	if strings.TrimSpace(m.Version) == "" {
		return &ValidationError{Msg: "manifest: version is required"}
	}
	if m.Entrypoint == "" {
		m.Entrypoint = "main"
	}
	for name, def := range m.Inputs {
		if def.Type != "" && !validInputTypes[def.Type] {
			return &ValidationError{Msg: fmt.Sprintf("manifest: input %q has unknown type %q", name, def.Type)}
		}
	}
	for name, def := range m.Settings {
		if def.Type != "" && !validInputTypes[def.Type] {
			return &ValidationError{Msg: fmt.Sprintf("manifest: setting %q has unknown type %q", name, def.Type)}
		}
	}
	return nil
}

// InputsJSON / SettingsJSON render the definition maps for storage.
func (m *Manifest) InputsJSON() json.RawMessage {
	if len(m.Inputs) == 0 {
		return nil
	}
	b, err := json.Marshal(m.Inputs)
	if err != nil {
		return nil
	}
	return b
}

func (m *Manifest) SettingsJSON() json.RawMessage {
	if len(m.Settings) == 0 {
		return nil
	}
	b, err := json.Marshal(m.Settings)
	if err != nil {
		return nil
	}
	return b
}
