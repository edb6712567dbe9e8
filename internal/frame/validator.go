package frame

import (
	"fmt"
	"strings"
)

// Validate applies the hard business rules to a mapped frame. A returned
// *ValidationError fails the prediction; warnings ride along on the frame.
func Validate(f Frame) error {
	if missing := f.MissingColumns(); len(missing) > 0 {
		if len(missing) == 1 {
			return &ValidationError{Detail: fmt.Sprintf("missing required column: %s", missing[0])}
		}
		return &ValidationError{Detail: fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", "))}
	}
	if len(f.Rows) == 0 {
		return &ValidationError{Detail: "no usable data rows after mapping"}
	}

	seen := make(map[string]bool, len(f.Rows))
	for _, row := range f.Rows {
		if seen[row.CustomerID] {
			return &ValidationError{Detail: fmt.Sprintf("duplicate customer id: %s", sampleID(row.CustomerID))}
		}
		seen[row.CustomerID] = true
	}
	return nil
}

// sampleID truncates ids in error detail; messages must stay readable and
// must not echo arbitrary payload lengths.
func sampleID(id string) string {
	if len(id) > 40 {
		return id[:40] + "..."
	}
	return id
}
