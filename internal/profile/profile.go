// Package profile loads the printer's static identity file: the
// user-facing name and location set once during the original's
// PrusaLink first-run wizard and otherwise never touched again, stored
// separately from the daemon's own prusalink.conf because it belongs to
// the printer, not the host. Grounded on config.py's `[printer]`
// section (name/location/type), expressed in YAML the way the
// teacher's own config.go format does for its config file.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the printer's static self-description.
type Profile struct {
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// Load reads path, returning a zero-value Profile (not an error) if the
// file does not exist yet, mirroring the daemon's "runs fine before
// first-time setup" default posture.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading printer profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing printer profile %s: %w", path, err)
	}
	return &p, nil
}

// Save persists p to path as YAML, creating the file if needed.
func Save(path string, p *Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling printer profile: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
