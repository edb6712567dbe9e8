package frame

import (
	"fmt"
	"strconv"
	"strings"
)

const maxWarnings = 50

// Map builds the canonical frame from a parsed CSV. It never hard-fails:
// unknown columns, unparseable cells, and missing required columns are
// recorded on the frame for the validator to judge.
func Map(header []string, records [][]string) Frame {
	var f Frame

	index := make(map[string]int, len(header))
	for i, name := range header {
		canonical, ok := aliases[normalizeHeader(name)]
		if !ok {
			f.warn("unknown column ignored: %s", strings.TrimSpace(name))
			continue
		}
		if _, dup := index[canonical]; dup {
			f.warn("duplicate column ignored: %s", strings.TrimSpace(name))
			continue
		}
		index[canonical] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			f.missing = append(f.missing, col)
		}
	}
	if len(f.missing) > 0 {
		return f
	}

	f.Rows = make([]Row, 0, len(records))
	for n, record := range records {
		row, ok := mapRow(&f, index, record, n+1)
		if !ok {
			continue
		}
		f.Rows = append(f.Rows, row)
	}
	return f
}

func mapRow(f *Frame, index map[string]int, record []string, line int) (Row, bool) {
	cell := func(col string) string {
		i := index[col]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	id := cell(ColCustomerID)
	if id == "" {
		f.warn("row %d: empty %s, row skipped", line, ColCustomerID)
		return Row{}, false
	}

	tenure, err := strconv.ParseFloat(cell(ColTenure), 64)
	if err != nil || tenure < 0 {
		f.warn("row %d: unreadable %s %q, row skipped", line, ColTenure, cell(ColTenure))
		return Row{}, false
	}
	monthly, err := strconv.ParseFloat(cell(ColMonthlyCharges), 64)
	if err != nil || monthly < 0 {
		f.warn("row %d: unreadable %s %q, row skipped", line, ColMonthlyCharges, cell(ColMonthlyCharges))
		return Row{}, false
	}

	// New customers arrive with a blank TotalCharges in the reference
	// dataset; reconstruct it rather than dropping the row.
	total, err := strconv.ParseFloat(cell(ColTotalCharges), 64)
	if err != nil || total < 0 {
		total = tenure * monthly
		f.warn("row %d: %s reconstructed from tenure and monthly charges", line, ColTotalCharges)
	}

	contract := normalizeContract(cell(ColContract))
	if contract == "" {
		contract = ContractMonthToMonth
		f.warn("row %d: unknown %s %q, treated as %s", line, ColContract, cell(ColContract), ContractMonthToMonth)
	}

	return Row{
		CustomerID:     id,
		Tenure:         tenure,
		MonthlyCharges: monthly,
		TotalCharges:   total,
		Contract:       contract,
	}, true
}

func normalizeContract(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "month-to-month", "monthtomonth", "month to month", "monthly":
		return ContractMonthToMonth
	case "one year", "oneyear", "1 year", "annual":
		return ContractOneYear
	case "two year", "twoyear", "2 year", "biennial":
		return ContractTwoYear
	default:
		return ""
	}
}

func (f *Frame) warn(format string, args ...any) {
	if len(f.Warnings) >= maxWarnings {
		return
	}
	f.Warnings = append(f.Warnings, fmt.Sprintf(format, args...))
}
