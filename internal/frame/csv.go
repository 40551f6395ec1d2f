package frame

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// FromCSV reads a headered CSV into a frame. A column becomes numeric
// if every non-empty cell parses as a float; otherwise categorical.
// Empty numeric cells load as NaN is not supported: they fail parsing,
// matching the engine's no-missing-data contract.
func FromCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("CSV has no header row")
	}

	header := records[0]
	rows := len(records) - 1

	f := New(rows)
	for c, name := range header {
		raw := make([]string, rows)
		for r := 0; r < rows; r++ {
			if c >= len(records[r+1]) {
				return nil, fmt.Errorf("row %d has %d cells, header has %d", r+1, len(records[r+1]), len(header))
			}
			raw[r] = records[r+1][c]
		}

		floats, numeric := tryParseFloats(raw)
		if numeric {
			if err := f.AddFloat(name, floats); err != nil {
				return nil, err
			}
		} else {
			if err := f.AddString(name, raw); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

func tryParseFloats(raw []string) ([]float64, bool) {
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
