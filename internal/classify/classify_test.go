package classify

import (
	"testing"

	"vaultgen/internal/config"
	"vaultgen/internal/introspect"
)

func defaultClassifier() *Classifier {
	cfg := config.Default()
	return New(cfg.Classifier, cfg.Lexicon)
}

func TestColumnRoles(t *testing.T) {
	c := defaultClassifier()

	tests := []struct {
		name string
		col  introspect.SourceColumn
		want Role
	}{
		{
			name: "id_suffix_and_uniqueness",
			col: introspect.SourceColumn{
				Table:        "orders",
				Name:         "customer_id",
				DeclaredType: introspect.TypeString,
				Stats:        introspect.Stats{UniquenessRatio: 1.0, MeanLength: 6, MaxLength: 8},
			},
			want: RoleIdentifier,
		},
		{
			name: "timestamp_type_and_tokens",
			col: introspect.SourceColumn{
				Table:        "orders",
				Name:         "created_at",
				DeclaredType: introspect.TypeTimestamp,
				Stats:        introspect.Stats{UniquenessRatio: 0.3},
			},
			want: RoleTimestamp,
		},
		{
			name: "decimal_measure",
			col: introspect.SourceColumn{
				Table:        "orders",
				Name:         "total_amount",
				DeclaredType: introspect.TypeDecimal,
				Stats:        introspect.Stats{UniquenessRatio: 0.4},
			},
			want: RoleMeasure,
		},
		{
			name: "long_strings_are_text",
			col: introspect.SourceColumn{
				Table:        "orders",
				Name:         "description",
				DeclaredType: introspect.TypeString,
				Stats:        introspect.Stats{UniquenessRatio: 0.3, MeanLength: 80, MaxLength: 200},
			},
			want: RoleText,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Column(tc.col)
			if got.Role != tc.want {
				t.Fatalf("role=%s, want %s (result %+v)", got.Role, tc.want, got)
			}
			if got.Fallback {
				t.Fatalf("unexpected fallback: %+v", got)
			}
			if got.Confidence <= 0 || got.Confidence > 1 {
				t.Fatalf("confidence out of range: %v", got.Confidence)
			}
		})
	}
}

// TestColumnFallback verifies a signal-free column takes the conservative
// descriptive role with confidence 0 and is flagged for audit.
func TestColumnFallback(t *testing.T) {
	c := defaultClassifier()

	got := c.Column(introspect.SourceColumn{
		Table:        "t",
		Name:         "zzz",
		DeclaredType: introspect.TypeUnknown,
		Stats:        introspect.Stats{UniquenessRatio: 0.3},
	})
	if got.Role != RoleDescriptive || !got.Fallback {
		t.Fatalf("want descriptive fallback, got %+v", got)
	}
	if got.Confidence != 0 {
		t.Fatalf("fallback confidence=%v, want 0", got.Confidence)
	}
}

// TestColumnDeterministic verifies classification is a pure function of its
// inputs: repeated runs agree exactly.
func TestColumnDeterministic(t *testing.T) {
	c := defaultClassifier()
	col := introspect.SourceColumn{
		Table:        "t",
		Name:         "status_code",
		DeclaredType: introspect.TypeString,
		Stats:        introspect.Stats{UniquenessRatio: 0.05, MeanLength: 3, MaxLength: 4},
	}

	first := c.Column(col)
	for i := 0; i < 50; i++ {
		if got := c.Column(col); got != first {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestPickRoleTieBreak(t *testing.T) {
	role, top, second := pickRole(map[Role]float64{
		RoleMeasure:   2.0,
		RoleTimestamp: 2.0,
	})
	if role != RoleTimestamp {
		t.Fatalf("tie should resolve by priority, got %s", role)
	}
	if top != 2.0 || second != 2.0 {
		t.Fatalf("scores=(%v,%v), want (2,2)", top, second)
	}
}

func TestIdentifiersSorted(t *testing.T) {
	got := Identifiers([]Result{
		{Table: "t", Column: "b_id", Role: RoleIdentifier},
		{Table: "t", Column: "note", Role: RoleText},
		{Table: "t", Column: "a_id", Role: RoleIdentifier},
	})
	if len(got) != 2 || got[0].Column != "a_id" || got[1].Column != "b_id" {
		t.Fatalf("identifiers=%+v", got)
	}
}
