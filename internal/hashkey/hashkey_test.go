package hashkey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

// TestCanonical verifies the canonical concatenation rules.
//
// Edge cases:
//   - values are trimmed and lowercased
//   - missing (empty after normalization) values encode as NUL, so missing
//     differs from a literal empty join
func TestCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{name: "single", in: []string{"ABC"}, want: "abc"},
		{name: "trim_and_fold", in: []string{"  C-1001 "}, want: "c-1001"},
		{name: "joined_with_unit_separator", in: []string{"a", "b"}, want: "a\x1fb"},
		{name: "missing_encodes_nul", in: []string{"a", "", "c"}, want: "a\x1f\x00\x1fc"},
		{name: "whitespace_only_is_missing", in: []string{"   "}, want: "\x00"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Canonical(tc.in); got != tc.want {
				t.Fatalf("Canonical(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNewUnknownAlgorithm(t *testing.T) {
	if _, err := New("crc32"); err == nil {
		t.Fatalf("New(crc32) expected error for unregistered algorithm")
	}
}

// TestHubKeyDeterminism verifies the central identity property: the same
// logical key yields the same hash regardless of casing, padding, or which
// run computes it.
func TestHubKeyDeterminism(t *testing.T) {
	e, err := New("sha256")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := e.HubKey([]string{"C-1001"})
	b := e.HubKey([]string{"  c-1001  "})
	if a != b {
		t.Fatalf("equivalent keys hashed differently: %s vs %s", a, b)
	}

	// The digest must be plain sha256 over the canonical form, hex-encoded.
	sum := sha256.Sum256([]byte("c-1001"))
	if want := hex.EncodeToString(sum[:]); a != want {
		t.Fatalf("HubKey=%s, want %s", a, want)
	}
}

func TestHubKeyMissingVsEmpty(t *testing.T) {
	e, _ := New("sha256")

	withValue := e.HubKey([]string{"a", "b"})
	withMissing := e.HubKey([]string{"a", ""})
	if withValue == withMissing {
		t.Fatalf("missing component must not collide with present component")
	}
}

// TestLinkKeyOrderIndependence verifies a link key is identical no matter
// which table or member order produced it.
func TestLinkKeyOrderIndependence(t *testing.T) {
	e, _ := New("sha256")

	custKey := e.HubKey([]string{"c-1"})
	prodKey := e.HubKey([]string{"p-9"})

	forward := e.LinkKey([]Member{
		{Signature: "customer_id", HashKey: custKey},
		{Signature: "product_id", HashKey: prodKey},
	})
	reverse := e.LinkKey([]Member{
		{Signature: "product_id", HashKey: prodKey},
		{Signature: "customer_id", HashKey: custKey},
	})
	if forward != reverse {
		t.Fatalf("link key depends on member order: %s vs %s", forward, reverse)
	}
}

// TestLinkCanonical verifies the exposed canonical form matches what LinkKey
// digests, so collision guards can check link keys against their inputs.
func TestLinkCanonical(t *testing.T) {
	e, _ := New("sha256")

	members := []Member{
		{Signature: "product_id", HashKey: "k2"},
		{Signature: "customer_id", HashKey: "k1"},
	}
	if got, want := LinkCanonical(members), "k1\x1fk2"; got != want {
		t.Fatalf("LinkCanonical=%q, want %q", got, want)
	}

	sum := sha256.Sum256([]byte(LinkCanonical(members)))
	if got, want := e.LinkKey(members), hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("LinkKey=%s, want digest of LinkCanonical %s", got, want)
	}
}

func TestHashdiffChangesWithPayload(t *testing.T) {
	e, _ := New("sha256")

	before := e.Hashdiff([]string{"alice", "basic"})
	after := e.Hashdiff([]string{"alice", "premium"})
	if before == after {
		t.Fatalf("payload change must change the hashdiff")
	}
	if again := e.Hashdiff([]string{"alice", "basic"}); again != before {
		t.Fatalf("identical payload must reproduce the hashdiff")
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard()

	if err := g.Check("d1", "canonical-a"); err != nil {
		t.Fatalf("first observation: %v", err)
	}
	if err := g.Check("d1", "canonical-a"); err != nil {
		t.Fatalf("repeat observation of same input: %v", err)
	}

	err := g.Check("d1", "canonical-b")
	if err == nil {
		t.Fatalf("expected collision error for same digest, different input")
	}
	if !errors.Is(err, ErrCollisionSuspected) {
		t.Fatalf("collision error not marked: %v", err)
	}
	if !strings.Contains(err.Error(), "d1") {
		t.Fatalf("collision error should name the digest: %v", err)
	}
}
