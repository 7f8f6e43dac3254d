package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limit is the safety envelope for one setpoint: absolute bounds plus a
// per-minute rate limit.
type Limit struct {
	Min            float64 `yaml:"min" json:"min"`
	Max            float64 `yaml:"max" json:"max"`
	MaxDeltaPerMin float64 `yaml:"max_delta_per_min" json:"max_delta_per_min"`
}

// Limits groups the envelopes for both commanded setpoints.
type Limits struct {
	TempC  Limit `yaml:"temp_c" json:"temp_c"`
	FanRPM Limit `yaml:"fan_rpm" json:"fan_rpm"`
}

// Range is a simple min/max band (humidity).
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Policy is the operator-maintained control policy loaded from policy.yaml.
type Policy struct {
	Site         string   `yaml:"site" json:"site"`
	Limits       Limits   `yaml:"limits" json:"limits"`
	PowerAlarmKW float64  `yaml:"power_alarm_kw" json:"power_alarm_kw"`
	Humidity     Range    `yaml:"humidity" json:"humidity"`
	Modes        []string `yaml:"modes" json:"modes"`

	Weights map[string]float64 `yaml:"weights" json:"weights"`
}

// DefaultPolicy returns the reference envelope used when policy.yaml is
// absent or leaves fields unset.
func DefaultPolicy() Policy {
	return Policy{
		Site: "site-a",
		Limits: Limits{
			TempC:  Limit{Min: 16, Max: 27, MaxDeltaPerMin: 1.0},
			FanRPM: Limit{Min: 800, Max: 2200, MaxDeltaPerMin: 200},
		},
		PowerAlarmKW: 5.5,
		Humidity:     Range{Min: 20, Max: 80},
		Modes:        []string{"propose", "auto_low", "auto_full"},
		Weights:      map[string]float64{"thermal_risk": 1.0, "energy": 0.35, "wear": 0.15},
	}
}

// LoadPolicy reads policy.yaml, filling any unset field from the defaults.
// A missing file yields the defaults; a malformed file is an error.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy, nil
		}
		return policy, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse policy file: %w", err)
	}

	defaults := DefaultPolicy()
	if policy.Limits.TempC == (Limit{}) {
		policy.Limits.TempC = defaults.Limits.TempC
	}
	if policy.Limits.FanRPM == (Limit{}) {
		policy.Limits.FanRPM = defaults.Limits.FanRPM
	}
	if policy.PowerAlarmKW == 0 {
		policy.PowerAlarmKW = defaults.PowerAlarmKW
	}
	if policy.Humidity == (Range{}) {
		policy.Humidity = defaults.Humidity
	}
	if len(policy.Modes) == 0 {
		policy.Modes = defaults.Modes
	}
	if policy.Site == "" {
		policy.Site = defaults.Site
	}
	if len(policy.Weights) == 0 {
		policy.Weights = defaults.Weights
	}
	return policy, nil
}

// AllowsMode reports whether mode is in the policy-defined set.
func (p Policy) AllowsMode(mode string) bool {
	for _, m := range p.Modes {
		if m == mode {
			return true
		}
	}
	return false
}
