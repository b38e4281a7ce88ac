package models

import (
	"fmt"
	"math"
	"slices"
)

// DataTable is a column-addressable table of numeric samples.
// Rows are stored row-major; a missing cell is NaN.
type DataTable struct {
	columns []string
	index   map[string]int
	rows    [][]float64
}

// NewDataTable creates an empty table with the given column names.
// Duplicate names keep the first position for lookups.
func NewDataTable(columns []string) *DataTable {
	t := &DataTable{
		columns: slices.Clone(columns),
		index:   make(map[string]int, len(columns)),
		rows:    make([][]float64, 0),
	}
	for i, c := range columns {
		if _, ok := t.index[c]; !ok {
			t.index[c] = i
		}
	}
	return t
}

// Columns returns the column names in order.
func (t *DataTable) Columns() []string {
	return slices.Clone(t.columns)
}

// HasColumn reports whether a column exists.
func (t *DataTable) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Len returns the number of rows.
func (t *DataTable) Len() int {
	return len(t.rows)
}

// AppendRow adds a row. Short rows are padded with NaN.
func (t *DataTable) AppendRow(values []float64) error {
	if len(values) > len(t.columns) {
		return fmt.Errorf("row has %d values, table has %d columns", len(values), len(t.columns))
	}
	row := make([]float64, len(t.columns))
	copy(row, values)
	for i := len(values); i < len(row); i++ {
		row[i] = math.NaN()
	}
	t.rows = append(t.rows, row)
	return nil
}

// Row returns a copy of row i.
func (t *DataTable) Row(i int) []float64 {
	return slices.Clone(t.rows[i])
}

// Column returns a copy of the named column.
func (t *DataTable) Column(name string) ([]float64, bool) {
	idx, ok := t.index[name]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[idx]
	}
	return out, true
}

// SetColumn assigns values to a column, appending it if it does not exist.
func (t *DataTable) SetColumn(name string, values []float64) error {
	if len(values) != len(t.rows) {
		return fmt.Errorf("column %q has %d values, table has %d rows", name, len(values), len(t.rows))
	}
	idx, ok := t.index[name]
	if !ok {
		idx = len(t.columns)
		t.columns = append(t.columns, name)
		t.index[name] = idx
		for i := range t.rows {
			t.rows[i] = append(t.rows[i], 0)
		}
	}
	for i, v := range values {
		t.rows[i][idx] = v
	}
	return nil
}

// SetRange assigns value to column name for rows start..end inclusive.
func (t *DataTable) SetRange(name string, start, end int, value float64) error {
	idx, ok := t.index[name]
	if !ok {
		return fmt.Errorf("unknown column %q", name)
	}
	if start < 0 || end >= len(t.rows) || start > end {
		return fmt.Errorf("row range %d..%d out of bounds for %d rows", start, end, len(t.rows))
	}
	for i := start; i <= end; i++ {
		t.rows[i][idx] = value
	}
	return nil
}

// RenameColumn changes a column name in place.
func (t *DataTable) RenameColumn(from, to string) error {
	idx, ok := t.index[from]
	if !ok {
		return fmt.Errorf("unknown column %q", from)
	}
	if _, exists := t.index[to]; exists {
		return fmt.Errorf("column %q already exists", to)
	}
	delete(t.index, from)
	t.columns[idx] = to
	t.index[to] = idx
	return nil
}

// Select returns a new table containing only the named columns.
func (t *DataTable) Select(names ...string) (*DataTable, error) {
	idxs := make([]int, len(names))
	for i, n := range names {
		idx, ok := t.index[n]
		if !ok {
			return nil, fmt.Errorf("unknown column %q", n)
		}
		idxs[i] = idx
	}
	out := NewDataTable(names)
	for _, row := range t.rows {
		r := make([]float64, len(idxs))
		for i, idx := range idxs {
			r[i] = row[idx]
		}
		out.rows = append(out.rows, r)
	}
	return out, nil
}

// Slice returns rows start..end (end exclusive) as a new table sharing no storage.
func (t *DataTable) Slice(start, end int) *DataTable {
	start = max(0, min(start, len(t.rows)))
	end = max(start, min(end, len(t.rows)))
	out := NewDataTable(t.columns)
	for _, row := range t.rows[start:end] {
		out.rows = append(out.rows, slices.Clone(row))
	}
	return out
}

// NullableRows converts rows to a JSON-safe form where NaN becomes nil.
func (t *DataTable) NullableRows() [][]*float64 {
	out := make([][]*float64, len(t.rows))
	for i, row := range t.rows {
		r := make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) {
				v := row[j]
				r[j] = &v
			}
		}
		out[i] = r
	}
	return out
}
