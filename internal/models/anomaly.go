package models

// AnomalyScorer flags windows whose newest sample sits close to the window
// mean. Placeholder for a learned model; the contract downstream depends on
// is a score in [0,1] and a boolean alarm.
type AnomalyScorer struct {
	threshold float64
}

// NewAnomalyScorer creates a scorer that alarms at score >= threshold.
func NewAnomalyScorer(threshold float64) *AnomalyScorer {
	return &AnomalyScorer{threshold: threshold}
}

// Threshold returns the configured alarm threshold.
func (a *AnomalyScorer) Threshold() float64 {
	return a.threshold
}

// Score returns 1/(1+(last-mean)^2) and whether it crosses the threshold.
// An empty series scores zero and never alarms.
func (a *AnomalyScorer) Score(series []float64) (score float64, alarm bool) {
	if len(series) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	mean := sum / float64(len(series))
	err := series[len(series)-1] - mean
	score = 1.0 / (1.0 + err*err)
	return score, score >= a.threshold
}
