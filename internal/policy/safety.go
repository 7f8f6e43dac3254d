// Package policy implements the safety envelope applied to every proposed
// setpoint command: absolute clamps, per-minute rate limits and rounding.
// Safety never widens a command beyond the envelope; if the envelope itself
// is missing from policy it rejects the command outright.
package policy

import (
	"errors"
	"math"

	"github.com/visezion/hcai-mini/internal/config"
	"github.com/visezion/hcai-mini/internal/models"
)

// ErrMissingLimits is returned when the policy does not define a usable
// envelope for a setpoint. Callers must drop the command (fail closed).
var ErrMissingLimits = errors.New("policy does not define setpoint limits")

// summaryApplied is the summary attached when the envelope was applied.
const summaryApplied = "limits, rate limits applied"

// Safety coerces proposed setpoints into the configured envelope. Enforce
// is idempotent: applying it twice equals applying it once.
type Safety struct {
	limits config.Limits
}

// NewSafety creates a safety enforcer for the given limits.
func NewSafety(limits config.Limits) *Safety {
	return &Safety{limits: limits}
}

// Enforce clamps the proposal to the absolute limits, then limits the move
// away from current to at most max_delta_per_min per setpoint, then rounds
// temperatures to one decimal and fan speeds to whole RPM. The returned
// summary documents the rules that ran.
func (s *Safety) Enforce(current, proposed models.Setpoints) (models.Setpoints, string, error) {
	if !usable(s.limits.TempC) || !usable(s.limits.FanRPM) {
		return models.Setpoints{}, "", ErrMissingLimits
	}

	temp := clamp(proposed.SupplyTempC, s.limits.TempC.Min, s.limits.TempC.Max)
	fan := clamp(float64(proposed.FanRPM), s.limits.FanRPM.Min, s.limits.FanRPM.Max)

	temp = rateLimit(current.SupplyTempC, temp, s.limits.TempC.MaxDeltaPerMin)
	fan = rateLimit(float64(current.FanRPM), fan, s.limits.FanRPM.MaxDeltaPerMin)

	out := models.Setpoints{
		SupplyTempC: math.Round(temp*10) / 10,
		FanRPM:      int(math.Round(fan)),
	}
	return out, summaryApplied, nil
}

// rateLimit moves next toward prev by at most maxDelta when the requested
// step exceeds it, preserving direction.
func rateLimit(prev, next, maxDelta float64) float64 {
	if maxDelta <= 0 {
		return next
	}
	delta := next - prev
	if math.Abs(delta) > maxDelta {
		if delta > 0 {
			return prev + maxDelta
		}
		return prev - maxDelta
	}
	return next
}

func usable(l config.Limit) bool {
	return l.Max > l.Min
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
