package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visezion/hcai-mini/internal/config"
	"github.com/visezion/hcai-mini/internal/models"
)

func referenceLimits() config.Limits {
	return config.Limits{
		TempC:  config.Limit{Min: 16, Max: 27, MaxDeltaPerMin: 1.0},
		FanRPM: config.Limit{Min: 800, Max: 2200, MaxDeltaPerMin: 200},
	}
}

func TestEnforceClampsToEnvelope(t *testing.T) {
	s := NewSafety(referenceLimits())
	current := models.Setpoints{SupplyTempC: 26.5, FanRPM: 2100}
	proposed := models.Setpoints{SupplyTempC: 40.0, FanRPM: 9000}

	got, summary, err := s.Enforce(current, proposed)
	require.NoError(t, err)
	assert.Equal(t, "limits, rate limits applied", summary)
	// Clamp to the envelope first, then at most +1.0C / +200rpm from current.
	assert.Equal(t, 27.0, got.SupplyTempC)
	assert.Equal(t, 2200, got.FanRPM)
}

func TestEnforceRateLimitsBothDirections(t *testing.T) {
	s := NewSafety(referenceLimits())
	current := models.Setpoints{SupplyTempC: 20.0, FanRPM: 1500}

	up, _, err := s.Enforce(current, models.Setpoints{SupplyTempC: 22.0, FanRPM: 2000})
	require.NoError(t, err)
	assert.Equal(t, 21.0, up.SupplyTempC)
	assert.Equal(t, 1700, up.FanRPM)

	down, _, err := s.Enforce(current, models.Setpoints{SupplyTempC: 17.0, FanRPM: 900})
	require.NoError(t, err)
	assert.Equal(t, 19.0, down.SupplyTempC)
	assert.Equal(t, 1300, down.FanRPM)
}

func TestEnforceInsideEnvelopeIsUntouched(t *testing.T) {
	s := NewSafety(referenceLimits())
	current := models.Setpoints{SupplyTempC: 18.0, FanRPM: 1200}
	proposed := models.Setpoints{SupplyTempC: 17.7, FanRPM: 1350}

	got, _, err := s.Enforce(current, proposed)
	require.NoError(t, err)
	assert.Equal(t, proposed, got)
}

func TestEnforceIdempotent(t *testing.T) {
	s := NewSafety(referenceLimits())
	cases := []struct {
		current, proposed models.Setpoints
	}{
		{models.Setpoints{SupplyTempC: 18.0, FanRPM: 1200}, models.Setpoints{SupplyTempC: 25.0, FanRPM: 2300}},
		{models.Setpoints{SupplyTempC: 26.0, FanRPM: 2100}, models.Setpoints{SupplyTempC: 14.0, FanRPM: 500}},
		{models.Setpoints{SupplyTempC: 20.0, FanRPM: 1000}, models.Setpoints{SupplyTempC: 20.1, FanRPM: 1050}},
	}
	for _, tc := range cases {
		once, _, err := s.Enforce(tc.current, tc.proposed)
		require.NoError(t, err)
		twice, _, err := s.Enforce(tc.current, once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestEnforcePropertySweep(t *testing.T) {
	s := NewSafety(referenceLimits())
	lims := referenceLimits()

	for temp := -10.0; temp <= 50.0; temp += 3.7 {
		for fan := 0; fan <= 5000; fan += 613 {
			current := models.Setpoints{SupplyTempC: 21.0, FanRPM: 1400}
			got, _, err := s.Enforce(current, models.Setpoints{SupplyTempC: temp, FanRPM: fan})
			require.NoError(t, err)

			assert.GreaterOrEqual(t, got.SupplyTempC, lims.TempC.Min)
			assert.LessOrEqual(t, got.SupplyTempC, lims.TempC.Max)
			assert.GreaterOrEqual(t, float64(got.FanRPM), lims.FanRPM.Min)
			assert.LessOrEqual(t, float64(got.FanRPM), lims.FanRPM.Max)

			assert.LessOrEqual(t, abs(got.SupplyTempC-current.SupplyTempC), lims.TempC.MaxDeltaPerMin+1e-9)
			assert.LessOrEqual(t, abs(float64(got.FanRPM-current.FanRPM)), lims.FanRPM.MaxDeltaPerMin+1e-9)
		}
	}
}

func TestEnforceMissingLimitsRejects(t *testing.T) {
	s := NewSafety(config.Limits{})
	_, _, err := s.Enforce(models.DefaultSetpoints(), models.Setpoints{SupplyTempC: 18, FanRPM: 1200})
	assert.ErrorIs(t, err, ErrMissingLimits)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
