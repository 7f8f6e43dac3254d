package models

// Forecaster projects short-horizon temperature evolution from a dense
// feature window. The model is a trend extrapolation standing in for a
// learned forecaster; downstream only depends on the (preds, lo, hi)
// contract.
type Forecaster struct {
	horizon int
}

// confidenceWidth is the symmetric band half-width in degrees C.
const confidenceWidth = 0.8

// NewForecaster creates a forecaster with a fixed prediction horizon.
func NewForecaster(horizon int) *Forecaster {
	if horizon < 1 {
		horizon = 1
	}
	return &Forecaster{horizon: horizon}
}

// Horizon returns the number of steps produced per prediction.
func (f *Forecaster) Horizon() int {
	return f.horizon
}

// Predict returns horizon-length point forecasts with a symmetric
// confidence band. The slope is fitted over the last min(10, len-1)
// samples; empty or constant series yield a flat projection.
func (f *Forecaster) Predict(series []float64) (preds, lo, hi []float64) {
	preds = make([]float64, f.horizon)
	lo = make([]float64, f.horizon)
	hi = make([]float64, f.horizon)

	var last, slope float64
	if len(series) > 0 {
		last = series[len(series)-1]
	}
	if len(series) > 1 {
		k := len(series) - 1
		if k > 10 {
			k = 10
		}
		slope = (last - series[len(series)-1-k]) / float64(k)
	}

	for i := 0; i < f.horizon; i++ {
		preds[i] = last + float64(i+1)*slope*0.5
		lo[i] = preds[i] - confidenceWidth
		hi[i] = preds[i] + confidenceWidth
	}
	return preds, lo, hi
}
