package bizkey

import (
	"testing"

	"github.com/cockroachdb/errors"

	"vaultgen/internal/classify"
	"vaultgen/internal/config"
	"vaultgen/internal/introspect"
	"vaultgen/pkg/records"
)

func testResolver() *Resolver {
	return New(config.Default().BusinessKey)
}

func idCol(table, name string, uniqueness, nullRatio float64) introspect.SourceColumn {
	return introspect.SourceColumn{
		Table:        table,
		Name:         name,
		OriginalName: name,
		DeclaredType: introspect.TypeString,
		Stats:        introspect.Stats{UniquenessRatio: uniqueness, NullRatio: nullRatio},
	}
}

func idResult(table, name string) classify.Result {
	return classify.Result{Table: table, Column: name, Role: classify.RoleIdentifier}
}

func TestResolveSingleKey(t *testing.T) {
	cols := []introspect.SourceColumn{
		idCol("customers", "customer_id", 1.0, 0),
		idCol("customers", "region", 0.2, 0),
	}
	results := []classify.Result{
		idResult("customers", "customer_id"),
		{Table: "customers", Column: "region", Role: classify.RoleDescriptive},
	}

	cand, err := testResolver().Resolve("customers", cols, results, []records.Record{{"customer_id": "c-1"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cand.Columns) != 1 || cand.Columns[0] != "customer_id" {
		t.Fatalf("columns=%v, want [customer_id]", cand.Columns)
	}
	if cand.UniquenessRatio != 1.0 {
		t.Fatalf("uniqueness=%v", cand.UniquenessRatio)
	}
}

// TestResolvePrefersStrongerSingle verifies candidate ordering: with two
// qualifying identifiers the higher-uniqueness one wins.
func TestResolvePrefersStrongerSingle(t *testing.T) {
	cols := []introspect.SourceColumn{
		idCol("t", "alt_code", 0.99, 0),
		idCol("t", "primary_id", 1.0, 0),
	}
	results := []classify.Result{idResult("t", "alt_code"), idResult("t", "primary_id")}

	cand, err := testResolver().Resolve("t", cols, results, []records.Record{{"primary_id": "1"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cand.Columns[0] != "primary_id" {
		t.Fatalf("picked %v, want primary_id", cand.Columns)
	}
}

// TestResolveCompositeKey verifies fallback to joint keys: neither column is
// unique alone, but the pair is unique over the sample.
func TestResolveCompositeKey(t *testing.T) {
	cols := []introspect.SourceColumn{
		idCol("shipments", "region", 0.5, 0),
		idCol("shipments", "seq", 0.5, 0),
	}
	results := []classify.Result{idResult("shipments", "region"), idResult("shipments", "seq")}
	rows := []records.Record{
		{"region": "east", "seq": "1"},
		{"region": "east", "seq": "2"},
		{"region": "west", "seq": "1"},
		{"region": "west", "seq": "2"},
	}

	cand, err := testResolver().Resolve("shipments", cols, results, rows)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cand.Columns) != 2 {
		t.Fatalf("columns=%v, want a pair", cand.Columns)
	}
	if cand.UniquenessRatio != 1.0 || cand.NullRatio != 0 {
		t.Fatalf("stats=%+v", cand)
	}
}

// TestCompositeNullHandling verifies a row missing any member counts toward
// the null ratio and never toward joint uniqueness.
func TestCompositeNullHandling(t *testing.T) {
	byName := map[string]introspect.SourceColumn{
		"a": idCol("t", "a", 0.5, 0),
		"b": idCol("t", "b", 0.5, 0),
	}
	rows := []records.Record{
		{"a": "1", "b": "x"},
		{"a": "2", "b": nil},
		{"a": "3"},
		{"a": "4", "b": "y"},
	}

	cand := testResolver().evaluateComposite("t", []string{"a", "b"}, byName, rows)
	if cand.NullRatio != 0.5 {
		t.Fatalf("null ratio=%v, want 0.5", cand.NullRatio)
	}
	if cand.UniquenessRatio != 1.0 {
		t.Fatalf("uniqueness=%v, want 1.0 over complete rows", cand.UniquenessRatio)
	}
}

func TestResolveNoBusinessKey(t *testing.T) {
	cols := []introspect.SourceColumn{idCol("logs", "level", 0.1, 0)}
	results := []classify.Result{{Table: "logs", Column: "level", Role: classify.RoleDescriptive}}

	_, err := testResolver().Resolve("logs", cols, results, []records.Record{{"level": "info"}})
	if !errors.Is(err, ErrNoBusinessKey) {
		t.Fatalf("want ErrNoBusinessKey, got %v", err)
	}
}

func TestStabilityPenalizesVolatileTypes(t *testing.T) {
	str := idCol("t", "a", 1, 0)
	ts := str
	ts.DeclaredType = introspect.TypeTimestamp

	if stability(ts) >= stability(str) {
		t.Fatalf("timestamp stability %v should be below string %v", stability(ts), stability(str))
	}
}

func TestCombinations(t *testing.T) {
	got := combinations([]string{"a", "b", "c"}, 2)
	want := [][]string{{"a", "b"}, {"a", "c"}, {"b", "c"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i][0] != want[i][0] || got[i][1] != want[i][1] {
			t.Fatalf("combo %d = %v, want %v", i, got[i], want[i])
		}
	}

	if combinations([]string{"a"}, 2) != nil {
		t.Fatalf("k > len(items) must yield nil")
	}
}
