package models

import (
	"math"

	"github.com/visezion/hcai-mini/internal/config"
)

// Setpoints is a commanded actuator state: supply air temperature and fan
// speed. Temperatures carry one decimal, fan speeds are whole RPM.
type Setpoints struct {
	SupplyTempC float64 `json:"supply_temp_c"`
	FanRPM      int     `json:"fan_rpm"`
}

// DefaultSetpoints is the assumed actuator state when no receipt has been
// observed for a device yet.
func DefaultSetpoints() Setpoints {
	return Setpoints{SupplyTempC: 18.0, FanRPM: 1200}
}

// targetTempC is the supply temperature the controller steers toward.
const targetTempC = 23.0

// MPC proposes new setpoints from a temperature forecast. The control law
// is a fixed-step policy standing in for a real model-predictive solver;
// the safety envelope is applied separately and last.
type MPC struct {
	limits  config.Limits
	weights map[string]float64
}

// NewMPC creates a controller bound to the policy limits and cost weights.
func NewMPC(limits config.Limits, weights map[string]float64) *MPC {
	return &MPC{limits: limits, weights: weights}
}

// Propose picks the lookahead forecast sample min(5, len-1), compares it to
// the target, and steps fan and supply temperature in the corrective
// direction, clamped to the absolute limits.
func (m *MPC) Propose(forecast []float64, current Setpoints) Setpoints {
	var err float64
	if len(forecast) > 0 {
		idx := len(forecast) - 1
		if idx > 5 {
			idx = 5
		}
		err = forecast[idx] - targetTempC
	}

	deltaFan := -100.0
	deltaTemp := 0.2
	if err > 0 {
		deltaFan = 150.0
		deltaTemp = -0.3
	}

	fan := clamp(float64(current.FanRPM)+deltaFan, m.limits.FanRPM.Min, m.limits.FanRPM.Max)
	supply := clamp(current.SupplyTempC+deltaTemp, m.limits.TempC.Min, m.limits.TempC.Max)

	return Setpoints{
		SupplyTempC: math.Round(supply*10) / 10,
		FanRPM:      int(math.Round(fan)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
