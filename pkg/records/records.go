// Package records defines the row representation shared by sampling,
// classification, and load planning.
package records

import "sort"

// Record is a single source row: column name -> raw value.
//
// Values are whatever the sample parser produced (string, float64, bool, nil,
// ...). Downstream components never re-inspect raw values after introspection;
// they work from the typed column representation.
type Record map[string]any

// Columns returns the record's column names in sorted order.
func (r Record) Columns() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has reports whether the record carries a meaningful (non-nil) value for col.
func (r Record) Has(col string) bool {
	v, ok := r[col]
	return ok && v != nil
}
