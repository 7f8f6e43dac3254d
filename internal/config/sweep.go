package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sweep configures the recurring discovery kick. File-backed so operators
// can disable or retune the sweep without touching the environment.
type Sweep struct {
	Enabled       *bool  `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	Subnet        string `yaml:"subnet"`
}

// LoadSweep reads the scheduler config. A missing file yields a zero-value
// Sweep, which resolves to an enabled sweep driven entirely by Settings.
func LoadSweep(path string) (Sweep, error) {
	var s Sweep

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read scheduler config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse scheduler config: %w", err)
	}
	return s, nil
}

// Resolve merges the file values over the environment-derived settings and
// returns the effective (enabled, intervalHours, subnet) triple.
func (s Sweep) Resolve(settings Settings) (bool, int, string) {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	hours := settings.DiscoveryIntervalHours
	if s.IntervalHours > 0 {
		hours = s.IntervalHours
	}
	subnet := settings.DiscoverySubnet
	if s.Subnet != "" {
		subnet = s.Subnet
	}
	return enabled, hours, subnet
}
