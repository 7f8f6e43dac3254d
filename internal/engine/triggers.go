package engine

import "github.com/visezion/hcai-mini/internal/config"

// Trigger names, in evaluation priority order. The first firing trigger
// becomes the action's reason.
const (
	TriggerTemperatureLimit   = "temperature_limit"
	TriggerTemperatureTrend   = "temperature_trend"
	TriggerPowerSpike         = "power_spike"
	TriggerHumidityOutOfRange = "humidity_out_of_range"
	TriggerForecastRiskHigh   = "forecast_risk_high"
	TriggerAnomaly            = "anomaly"
)

const trendRiseC = 0.8

// evaluateTriggers returns every firing trigger in priority order. samples
// is the count of real window entries; the trend rule needs at least six.
func evaluateTriggers(pol config.Policy, m TelemetryMetrics, window []float64, samples int, preds []float64, alarm bool) []string {
	var fired []string

	if m.TempC != nil && *m.TempC >= pol.Limits.TempC.Max {
		fired = append(fired, TriggerTemperatureLimit)
	}

	if samples >= 6 && len(window) >= 6 {
		if window[len(window)-1]-window[len(window)-6] >= trendRiseC {
			fired = append(fired, TriggerTemperatureTrend)
		}
	}

	if m.PowerKW != nil && *m.PowerKW >= pol.PowerAlarmKW {
		fired = append(fired, TriggerPowerSpike)
	}

	if m.HumPct != nil && (*m.HumPct < pol.Humidity.Min || *m.HumPct > pol.Humidity.Max) {
		fired = append(fired, TriggerHumidityOutOfRange)
	}

	if len(preds) > 0 {
		idx := len(preds) - 1
		if idx > 5 {
			idx = 5
		}
		if preds[idx] >= pol.Limits.TempC.Max {
			fired = append(fired, TriggerForecastRiskHigh)
		}
	}

	if alarm {
		fired = append(fired, TriggerAnomaly)
	}

	return fired
}
