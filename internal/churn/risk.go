package churn

// Risk levels reported on result rows.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RiskThresholds buckets churn probabilities. Boundaries are inclusive on the
// upper bucket: p >= High is high, p >= Medium is medium, else low.
type RiskThresholds struct {
	Medium float64
	High   float64
}

func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{Medium: 0.4, High: 0.7}
}

func (t RiskThresholds) Level(p float64) string {
	switch {
	case p >= t.High:
		return RiskHigh
	case p >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}
