package churn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/frame"
)

// Factor is one signed contribution to a customer's churn risk. Positive
// impact pushes toward churn.
type Factor struct {
	Name   string
	Impact float64
}

// Explanation is the human-readable part of a result row.
type Explanation struct {
	Summary        string
	TopRiskFactor  string
	Recommendation string
}

// Explainer turns a scored row into an explanation. Explanations are best
// effort: callers fall back to GlobalExplanation when Explain fails, a
// prediction never fails because of its explainer.
type Explainer interface {
	Explain(row frame.Row, churnProbability float64) (Explanation, error)
}

// heuristicExplainer ranks the same signals the models weigh and phrases the
// top ones.
type heuristicExplainer struct{}

func NewHeuristicExplainer() Explainer { return heuristicExplainer{} }

func (heuristicExplainer) Explain(row frame.Row, churnProbability float64) (Explanation, error) {
	factors := rowFactors(row)
	sort.SliceStable(factors, func(i, j int) bool {
		return abs(factors[i].Impact) > abs(factors[j].Impact)
	})
	if len(factors) > 3 {
		factors = factors[:3]
	}
	if len(factors) == 0 {
		return Explanation{}, fmt.Errorf("churn: no usable signals for customer %s", row.CustomerID)
	}

	top := topRisk(factors)
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		direction := "raises"
		if f.Impact < 0 {
			direction = "lowers"
		}
		parts = append(parts, fmt.Sprintf("%s %s risk", f.Name, direction))
	}
	return Explanation{
		Summary:        strings.Join(parts, "; "),
		TopRiskFactor:  top,
		Recommendation: recommendationFor(top, churnProbability),
	}, nil
}

func rowFactors(row frame.Row) []Factor {
	var factors []Factor
	switch row.Contract {
	case frame.ContractMonthToMonth:
		factors = append(factors, Factor{Name: "month-to-month contract", Impact: 0.30})
	case frame.ContractOneYear:
		factors = append(factors, Factor{Name: "one-year contract", Impact: -0.10})
	case frame.ContractTwoYear:
		factors = append(factors, Factor{Name: "two-year contract", Impact: -0.25})
	}
	switch {
	case row.Tenure < 6:
		factors = append(factors, Factor{Name: "short tenure", Impact: 0.25})
	case row.Tenure >= 24:
		factors = append(factors, Factor{Name: "long tenure", Impact: -0.20})
	}
	if row.MonthlyCharges > 70 {
		factors = append(factors, Factor{Name: "high monthly charges", Impact: 0.15})
	} else if row.MonthlyCharges < 30 && row.MonthlyCharges > 0 {
		factors = append(factors, Factor{Name: "low monthly charges", Impact: -0.08})
	}
	return factors
}

// topRisk returns the strongest positive factor, falling back to the
// strongest overall when nothing pushes toward churn.
func topRisk(factors []Factor) string {
	for _, f := range factors {
		if f.Impact > 0 {
			return f.Name
		}
	}
	return factors[0].Name
}

func recommendationFor(topFactor string, churnProbability float64) string {
	switch {
	case strings.Contains(topFactor, "month-to-month"):
		return "offer an annual contract upgrade with a loyalty discount"
	case strings.Contains(topFactor, "short tenure"):
		return "schedule an onboarding check-in within the first 90 days"
	case strings.Contains(topFactor, "high monthly charges"):
		return "review the plan for a better-fitting lower tier"
	case churnProbability >= 0.7:
		return "reach out with a personalized retention offer"
	default:
		return "monitor engagement; no immediate action required"
	}
}

// GlobalExplanation is the population-level fallback used when the per-row
// explainer fails.
func GlobalExplanation(churnProbability float64) Explanation {
	return Explanation{
		Summary:        "scored on overall patterns: contract type, tenure, and monthly charges drive churn",
		TopRiskFactor:  "contract type",
		Recommendation: recommendationFor("", churnProbability),
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
