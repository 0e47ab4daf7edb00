// Package hashkey computes deterministic surrogate keys (hash keys) and
// change-detection digests (hashdiffs).
//
// Canonicalization rules:
//   - Values are trimmed and case-folded before hashing, so the same logical
//     key yields the same hash regardless of originating table or casing.
//   - Components join with ASCII Unit Separator (0x1f), a delimiter not
//     expected in natural data. Missing values encode as a single NUL byte so
//     missing differs from empty-string.
//   - Output is a lowercase hex string.
//
// The algorithm is a registry lookup, never hard-coded, so deployments can
// upgrade digests without touching engine code.
package hashkey

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Separator joins canonical components. ASCII Unit Separator.
const Separator = "\x1f"

// ErrCollisionSuspected marks a hash that mapped to two different canonical
// inputs. Surfaced, never silently resolved.
var ErrCollisionSuspected = errors.New("hash collision suspected")

type factory func() hash.Hash

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a hash constructor under an algorithm id.
//
// Edge cases:
//   - id must be non-empty, f non-nil.
//   - Registering the same id twice panics, to fail fast on ambiguous
//     algorithm selection.
func Register(id string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if id == "" {
		panic("hashkey: Register called with empty id")
	}
	if f == nil {
		panic("hashkey: Register called with nil factory")
	}
	if _, exists := factories[id]; exists {
		panic("hashkey: algorithm already registered: " + id)
	}
	factories[id] = f
}

func init() {
	Register("sha256", sha256.New)
	Register("sha1", sha1.New)
	Register("md5", md5.New)
}

// Engine computes hash keys and hashdiffs with one registered algorithm.
// Immutable and safe for concurrent use.
type Engine struct {
	algID   string
	newHash factory
}

// New resolves an algorithm id against the registry.
//
// Errors:
//   - Returns an error for an unknown algorithm id.
func New(algID string) (*Engine, error) {
	regMu.RLock()
	f := factories[algID]
	regMu.RUnlock()

	if f == nil {
		return nil, errors.Newf("hashkey: unknown algorithm %q", algID)
	}
	return &Engine{algID: algID, newHash: f}, nil
}

// AlgorithmID returns the engine's registered algorithm id.
func (e *Engine) AlgorithmID() string { return e.algID }

// Normalize applies the documented canonicalization to one value: trim ASCII
// whitespace, fold to lower case.
func Normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Canonical renders the canonical concatenation the digest is computed over.
// Exposed so collision auditing can compare inputs, not just outputs.
func Canonical(values []string) string {
	var b strings.Builder
	b.Grow(len(values) * 16)
	for i, v := range values {
		if i > 0 {
			b.WriteString(Separator)
		}
		n := Normalize(v)
		if n == "" {
			b.WriteByte('\x00')
			continue
		}
		b.WriteString(n)
	}
	return b.String()
}

// HubKey hashes the ordered, normalized business-key values. No prefix, no
// entity name: an identical logical key always yields an identical HashKey
// across tables and runs.
func (e *Engine) HubKey(values []string) string {
	return e.digest(Canonical(values))
}

// Member pairs a hub concept signature with its computed hash key, for link
// key derivation.
type Member struct {
	Signature string
	HashKey   string
}

// LinkCanonical renders the canonical concatenation behind a link key: member
// hub keys ordered by concept signature, never by arrival order. Exposed for
// the same reason as Canonical.
func LinkCanonical(members []Member) string {
	sorted := append([]Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Signature < sorted[j].Signature })

	keys := make([]string, len(sorted))
	for i, m := range sorted {
		keys[i] = m.HashKey
	}
	return Canonical(keys)
}

// LinkKey hashes the canonical member ordering, so the link key is
// route-independent.
func (e *Engine) LinkKey(members []Member) string {
	return e.digest(LinkCanonical(members))
}

// Hashdiff hashes the ordered, normalized payload values. Used purely for
// change detection, never as a primary key.
func (e *Engine) Hashdiff(values []string) string {
	return e.digest(Canonical(values))
}

func (e *Engine) digest(canonical string) string {
	h := e.newHash()
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// Guard detects suspected collisions within a run: the same digest seen for
// two different canonical inputs. The hash space is assumed large enough that
// this never fires; when it does, the caller logs and surfaces it.
type Guard struct {
	mu   sync.Mutex
	seen map[string]string // digest -> canonical
}

// NewGuard returns an empty collision guard.
func NewGuard() *Guard {
	return &Guard{seen: map[string]string{}}
}

// Check records (digest, canonical) and reports a marked
// ErrCollisionSuspected when the digest was previously produced by a
// different canonical input.
func (g *Guard) Check(digest, canonical string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.seen[digest]
	if !ok {
		g.seen[digest] = canonical
		return nil
	}
	if prev != canonical {
		return errors.Mark(
			errors.Newf("hashkey: digest %s produced by two inputs", digest),
			ErrCollisionSuspected,
		)
	}
	return nil
}
