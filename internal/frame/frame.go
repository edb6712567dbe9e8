// Package frame maps raw tabular uploads into the canonical feature frame
// the churn models consume, and validates the result.
package frame

import (
	"errors"
	"fmt"
	"strings"
)

// Canonical column names. Error messages use the names customers see in the
// reference dataset.
const (
	ColCustomerID     = "customerID"
	ColTenure         = "tenure"
	ColMonthlyCharges = "MonthlyCharges"
	ColTotalCharges   = "TotalCharges"
	ColContract       = "Contract"
)

var requiredColumns = []string{
	ColCustomerID,
	ColTenure,
	ColMonthlyCharges,
	ColTotalCharges,
	ColContract,
}

// Contract categories after normalization.
const (
	ContractMonthToMonth = "month-to-month"
	ContractOneYear      = "one year"
	ContractTwoYear      = "two year"
)

var ErrValidation = errors.New("frame: validation failed")

// ValidationError is a hard business-rule failure. The detail is shown to the
// customer on the failed prediction.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("frame: validation failed: %s", e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Row is one customer in the canonical frame.
type Row struct {
	CustomerID     string
	Tenure         float64
	MonthlyCharges float64
	TotalCharges   float64
	Contract       string
}

// Frame is the mapped dataset plus everything the mapper noticed on the way.
type Frame struct {
	Rows     []Row
	Warnings []string

	missing []string
}

// MissingColumns lists required columns absent from the upload.
func (f Frame) MissingColumns() []string { return f.missing }

// aliases maps normalized header spellings to canonical columns. Matching is
// case-insensitive and ignores spaces, underscores, and dashes.
var aliases = map[string]string{
	"customerid":     ColCustomerID,
	"customer":       ColCustomerID,
	"custid":         ColCustomerID,
	"id":             ColCustomerID,
	"tenure":         ColTenure,
	"tenuremonths":   ColTenure,
	"monthlycharges": ColMonthlyCharges,
	"monthlycharge":  ColMonthlyCharges,
	"monthlyfee":     ColMonthlyCharges,
	"totalcharges":   ColTotalCharges,
	"totalcharge":    ColTotalCharges,
	"contract":       ColContract,
	"contracttype":   ColContract,
}

func normalizeHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-':
			return -1
		}
		return r
	}, name)
}
