package introspect

import (
	"testing"

	"github.com/cockroachdb/errors"

	"vaultgen/pkg/records"
)

func TestTableRejectsBadInput(t *testing.T) {
	_, err := Table("t", nil, nil, []records.Record{{"a": 1}})
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("no columns: want ErrSchema, got %v", err)
	}

	_, err = Table("t", []string{"a"}, nil, nil)
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("empty sample: want ErrSchema, got %v", err)
	}
}

func TestTableStats(t *testing.T) {
	rows := []records.Record{
		{"ID": "c-1", "Name": "Alice"},
		{"ID": "c-2", "Name": "Bob"},
		{"ID": "c-2", "Name": nil},
		{"ID": "c-3"},
	}
	cols, err := Table("customers", []string{"ID", "Name"}, nil, rows)
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("columns=%d, want 2", len(cols))
	}

	id := cols[0]
	if id.Name != "id" || id.OriginalName != "ID" {
		t.Fatalf("id names=(%q,%q)", id.Name, id.OriginalName)
	}
	if id.Stats.SampleRows != 4 || id.Stats.NonNull != 4 || id.Stats.Distinct != 3 {
		t.Fatalf("id stats=%+v", id.Stats)
	}
	if id.Stats.UniquenessRatio != 0.75 {
		t.Fatalf("id uniqueness=%v, want 0.75", id.Stats.UniquenessRatio)
	}
	if id.Nullable {
		t.Fatalf("id should not be nullable")
	}

	name := cols[1]
	if name.Stats.NonNull != 2 || !name.Nullable {
		t.Fatalf("name stats=%+v nullable=%v", name.Stats, name.Nullable)
	}
	if name.Stats.NullRatio != 0.5 {
		t.Fatalf("name null ratio=%v, want 0.5", name.Stats.NullRatio)
	}
}

// TestDeclaredTypeWins verifies declared types are folded and preferred over
// sample inference; unknown declarations fall back to inference.
func TestDeclaredTypeWins(t *testing.T) {
	rows := []records.Record{{"amount": "12.50", "flag": "weird"}}
	declared := map[string]string{"amount": "NUMERIC(10,2)", "flag": "frobnicate"}

	cols, err := Table("t", []string{"amount", "flag"}, declared, rows)
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if cols[0].DeclaredType != TypeDecimal {
		t.Fatalf("amount type=%s, want decimal", cols[0].DeclaredType)
	}
	if cols[1].DeclaredType != TypeString {
		t.Fatalf("flag type=%s, want string (inference fallback)", cols[1].DeclaredType)
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   ColumnType
	}{
		{name: "empty", values: nil, want: TypeUnknown},
		{name: "integers", values: []string{"1", "42", "-7"}, want: TypeInteger},
		{name: "decimals", values: []string{"1.5", "2"}, want: TypeDecimal},
		{name: "bools_win_over_ints", values: []string{"0", "1"}, want: TypeBoolean},
		{name: "timestamps", values: []string{"2024-01-02", "2024-02-03 10:00:00"}, want: TypeTimestamp},
		{name: "mixed_is_string", values: []string{"1", "abc"}, want: TypeString},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := inferType(tc.values); got != tc.want {
				t.Fatalf("inferType(%v)=%s, want %s", tc.values, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Customer ID", want: "customer_id"},
		{in: "  order-date  ", want: "order_date"},
		{in: "Straße", want: "strae"},
		{in: "José/Email", want: "jose_email"},
		{in: "a__b", want: "a__b"},
		{in: "--", want: ""},
	}
	for _, tc := range tests {
		if got := NormalizeIdentifier(tc.in); got != tc.want {
			t.Fatalf("NormalizeIdentifier(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "nil", in: nil, want: ""},
		{name: "string", in: "x", want: "x"},
		{name: "bool", in: true, want: "true"},
		{name: "int", in: 7, want: "7"},
		{name: "json_number_integral", in: float64(5), want: "5"},
		{name: "json_number_fraction", in: 5.25, want: "5.25"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Stringify(tc.in); got != tc.want {
				t.Fatalf("Stringify(%v)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
