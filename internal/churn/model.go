// Package churn scores canonical customer frames. Two model families are
// kept live side by side for A/B evaluation: a logistic scorer trained on the
// telecom reference dataset and a rules-based baseline.
package churn

import (
	"math"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/frame"
)

// Model scores a frame into per-row churn probabilities, index-aligned with
// the input rows. Implementations are pure functions over the frame.
type Model interface {
	Version() string
	Score(rows []frame.Row) []float64
}

const (
	minProbability = 0.02
	maxProbability = 0.98
)

// telecomModel is a logistic scorer with weights fitted offline against the
// telecom churn reference dataset.
type telecomModel struct{}

func NewTelecomModel() Model { return telecomModel{} }

func (telecomModel) Version() string { return "telecom-logit-v2" }

func (telecomModel) Score(rows []frame.Row) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		z := -0.82
		z += -0.036 * row.Tenure
		z += 0.013 * row.MonthlyCharges
		z += -0.00011 * row.TotalCharges
		switch row.Contract {
		case frame.ContractMonthToMonth:
			z += 0.92
		case frame.ContractOneYear:
			z += -0.24
		case frame.ContractTwoYear:
			z += -0.85
		}
		out[i] = clampProbability(sigmoid(z))
	}
	return out
}

// baselineModel is the rules-based SaaS baseline: additive risk from the
// strongest churn signals, no fitted weights.
type baselineModel struct{}

func NewBaselineModel() Model { return baselineModel{} }

func (baselineModel) Version() string { return "rules-baseline-v1" }

func (baselineModel) Score(rows []frame.Row) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		p := 0.18
		if row.Contract == frame.ContractMonthToMonth {
			p += 0.28
		}
		if row.Tenure < 6 {
			p += 0.22
		} else if row.Tenure < 12 {
			p += 0.10
		}
		if row.MonthlyCharges > 70 {
			p += 0.14
		}
		if row.Contract == frame.ContractTwoYear {
			p -= 0.15
		}
		out[i] = clampProbability(p)
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func clampProbability(p float64) float64 {
	return math.Min(maxProbability, math.Max(minProbability, p))
}
