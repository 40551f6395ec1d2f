package frame

import (
	"fmt"
	"sort"
)

// Frame is a fixed-length columnar table of logged records. Numeric
// roles (treatment, outcome, propensity, scores, coordinates) live in
// float columns; categorical roles (region, group) in string columns.
// A Frame is immutable for the duration of an analysis: the engine
// reads columns but never rewrites them.
type Frame struct {
	n       int
	floats  map[string][]float64
	strings map[string][]string
	order   []string
}

// New creates an empty frame with a fixed row count.
func New(rows int) *Frame {
	return &Frame{
		n:       rows,
		floats:  make(map[string][]float64),
		strings: make(map[string][]string),
	}
}

// Rows returns the row count.
func (f *Frame) Rows() int { return f.n }

// Columns returns column names in insertion order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// AddFloat attaches a numeric column. Length must match the frame.
func (f *Frame) AddFloat(name string, values []float64) error {
	if len(values) != f.n {
		return fmt.Errorf("column %s has %d values, frame has %d rows", name, len(values), f.n)
	}
	if f.has(name) {
		return fmt.Errorf("column %s already exists", name)
	}
	f.floats[name] = values
	f.order = append(f.order, name)
	return nil
}

// AddString attaches a categorical column. Length must match the frame.
func (f *Frame) AddString(name string, values []string) error {
	if len(values) != f.n {
		return fmt.Errorf("column %s has %d values, frame has %d rows", name, len(values), f.n)
	}
	if f.has(name) {
		return fmt.Errorf("column %s already exists", name)
	}
	f.strings[name] = values
	f.order = append(f.order, name)
	return nil
}

func (f *Frame) has(name string) bool {
	if _, ok := f.floats[name]; ok {
		return true
	}
	_, ok := f.strings[name]
	return ok
}

// HasColumn reports whether a column of either type exists.
func (f *Frame) HasColumn(name string) bool {
	return name != "" && f.has(name)
}

// Float returns a numeric column. The returned slice is shared, not
// copied; callers must not mutate it.
func (f *Frame) Float(name string) ([]float64, bool) {
	col, ok := f.floats[name]
	return col, ok
}

// String returns a categorical column.
func (f *Frame) String(name string) ([]string, bool) {
	col, ok := f.strings[name]
	return col, ok
}

// FloatMatrix assembles the named columns into row-major covariate
// vectors. Missing columns are an error.
func (f *Frame) FloatMatrix(names []string) ([][]float64, error) {
	cols := make([][]float64, len(names))
	for i, name := range names {
		col, ok := f.floats[name]
		if !ok {
			return nil, fmt.Errorf("covariate column %s not found", name)
		}
		cols[i] = col
	}

	rows := make([][]float64, f.n)
	for r := 0; r < f.n; r++ {
		row := make([]float64, len(names))
		for c := range names {
			row[c] = cols[c][r]
		}
		rows[r] = row
	}
	return rows, nil
}

// Sample builds a new frame from the given row indices (with
// repetition allowed), used for bootstrap resampling.
func (f *Frame) Sample(indices []int) (*Frame, error) {
	out := New(len(indices))
	for _, name := range f.order {
		if col, ok := f.floats[name]; ok {
			vals := make([]float64, len(indices))
			for i, idx := range indices {
				if idx < 0 || idx >= f.n {
					return nil, fmt.Errorf("sample index %d out of range [0, %d)", idx, f.n)
				}
				vals[i] = col[idx]
			}
			if err := out.AddFloat(name, vals); err != nil {
				return nil, err
			}
			continue
		}
		col := f.strings[name]
		vals := make([]string, len(indices))
		for i, idx := range indices {
			if idx < 0 || idx >= f.n {
				return nil, fmt.Errorf("sample index %d out of range [0, %d)", idx, f.n)
			}
			vals[i] = col[idx]
		}
		if err := out.AddString(name, vals); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RankDescending returns row indices ordered by descending column value.
// Ties keep original row order, so repeated calls are deterministic.
func (f *Frame) RankDescending(name string) ([]int, error) {
	col, ok := f.floats[name]
	if !ok {
		return nil, fmt.Errorf("score column %s not found", name)
	}

	idx := make([]int, f.n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return col[idx[a]] > col[idx[b]]
	})
	return idx, nil
}
