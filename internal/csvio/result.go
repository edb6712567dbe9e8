package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ResultHeader is the stable scored-output column order. Consumers depend on
// it; do not reorder.
var ResultHeader = []string{
	"customer_id",
	"churn_probability",
	"retention_probability",
	"risk_level",
	"explanation",
	"top_risk_factor",
	"recommendation",
}

// ResultRow is one scored customer in the output artifact.
type ResultRow struct {
	CustomerID           string
	ChurnProbability     float64
	RetentionProbability float64
	RiskLevel            string
	Explanation          string
	TopRiskFactor        string
	Recommendation       string
}

// WriteResults serializes scored rows with canonical formatting: six decimal
// places for probabilities, and every cell disarmed against spreadsheet
// formula injection.
func WriteResults(w io.Writer, rows []ResultRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ResultHeader); err != nil {
		return fmt.Errorf("csvio: write header: %w", err)
	}
	for i, row := range rows {
		record := []string{
			DisarmCell(row.CustomerID),
			formatProb(row.ChurnProbability),
			formatProb(row.RetentionProbability),
			DisarmCell(row.RiskLevel),
			DisarmCell(row.Explanation),
			DisarmCell(row.TopRiskFactor),
			DisarmCell(row.Recommendation),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("csvio: write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csvio: flush: %w", err)
	}
	return nil
}

func formatProb(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}
