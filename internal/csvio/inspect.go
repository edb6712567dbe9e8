// Package csvio handles the CSV surfaces of the pipeline: inspecting inbound
// datasets at ingestion and serializing scored results. Both sides guard
// against spreadsheet formula injection.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmpty       = errors.New("csvio: empty dataset")
	ErrMalformed   = errors.New("csvio: malformed csv")
	ErrNotUTF8     = errors.New("csvio: not valid utf-8")
	ErrTooManyRows = errors.New("csvio: too many rows")
	ErrTooManyCols = errors.New("csvio: too many columns")
	ErrFormulaCell = errors.New("csvio: formula-like cell")
)

// formulaPrefixes are the characters a spreadsheet interprets as the start of
// a formula when they lead a cell.
const formulaPrefixes = "=+-@\t\r"

type InspectLimits struct {
	MaxRows int64
	MaxCols int
}

type Inspection struct {
	Header   []string
	Columns  int
	DataRows int64
}

// Inspect parses the full dataset, verifying UTF-8, shape limits, and the
// formula-injection guard on the first cell of every row. The reader is
// consumed; callers stream from a buffered copy.
func Inspect(r io.Reader, limits InspectLimits) (Inspection, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Inspection{}, ErrEmpty
	}
	if err != nil {
		return Inspection{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkRecord(header, 0); err != nil {
		return Inspection{}, err
	}
	if limits.MaxCols > 0 && len(header) > limits.MaxCols {
		return Inspection{}, fmt.Errorf("%w: %d columns exceeds limit %d", ErrTooManyCols, len(header), limits.MaxCols)
	}

	var rows int64
	for line := int64(1); ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Inspection{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := checkRecord(record, line); err != nil {
			return Inspection{}, err
		}
		rows++
		if limits.MaxRows > 0 && rows > limits.MaxRows {
			return Inspection{}, fmt.Errorf("%w: more than %d data rows", ErrTooManyRows, limits.MaxRows)
		}
	}
	if rows == 0 {
		return Inspection{}, fmt.Errorf("%w: header only, no data rows", ErrEmpty)
	}

	return Inspection{
		Header:   header,
		Columns:  len(header),
		DataRows: rows,
	}, nil
}

func checkRecord(record []string, line int64) error {
	for _, cell := range record {
		if !utf8.ValidString(cell) {
			return fmt.Errorf("%w: line %d", ErrNotUTF8, line+1)
		}
	}
	if len(record) > 0 && looksLikeFormula(record[0]) {
		sample := record[0]
		if len(sample) > 20 {
			sample = sample[:20]
		}
		return fmt.Errorf("%w: line %d starts with %q", ErrFormulaCell, line+1, sample)
	}
	return nil
}

func looksLikeFormula(cell string) bool {
	if cell == "" {
		return false
	}
	return strings.ContainsRune(formulaPrefixes, rune(cell[0]))
}

// DisarmCell prefixes a formula-like cell with a single quote so spreadsheet
// software renders it as text.
func DisarmCell(cell string) string {
	if looksLikeFormula(cell) {
		return "'" + cell
	}
	return cell
}
