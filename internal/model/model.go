// Package model defines the Hub/Link/Satellite definition emitted by the
// synthesis engine.
//
// The definition is a DAG: satellites point at exactly one owner, links point
// at two or more hubs, hubs have no upward references. It is the engine's
// primary output artifact, serialized as JSON for an external rendering layer
// that turns it into warehouse DDL; this engine never emits SQL itself.
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// EntityKind discriminates entity references in plans and reports.
type EntityKind string

const (
	KindHub       EntityKind = "hub"
	KindLink      EntityKind = "link"
	KindSatellite EntityKind = "satellite"
)

// EntityRef points at one entity in a definition.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	Name string     `json:"name"`
}

// Audit column names every emitted entity carries, following Data Vault
// loading conventions.
const (
	LoadDateColumn     = "LOAD_DATE"
	RecordSourceColumn = "RECORD_SOURCE"
	HashdiffColumn     = "HASH_DIFF"
)

// Hub represents one distinct business-key concept. Concept identity is the
// normalized, synonym-resolved signature of the business-key column names,
// not the table name: the same concept appearing in two tables maps to one
// Hub.
type Hub struct {
	// Concept is the signature, e.g. "customer_id" or "email+region".
	Concept string `json:"concept"`
	// Name is the emitted table name, "hub_<concept>".
	Name string `json:"name"`
	// BusinessKeys are the normalized key column names, ordered for
	// determinism.
	BusinessKeys []string `json:"business_keys"`
	// HashKeyColumn is the surrogate key column, "<CONCEPT>_HK".
	HashKeyColumn string `json:"hash_key_column"`
	// AlgorithmID names the hash algorithm producing the surrogate key.
	AlgorithmID string `json:"hash_key_algorithm_id"`
	// SourceTables lists every table the concept was observed in, sorted.
	SourceTables []string `json:"source_tables"`
}

// Link represents an observed relationship between two or more hubs. Identity
// is the unordered set of participating hub concepts; re-observing the same
// relationship from another source reuses the Link.
type Link struct {
	Name string `json:"name"`
	// Hubs holds the participating hub concepts, sorted.
	Hubs          []string `json:"hubs"`
	HashKeyColumn string   `json:"hash_key_column"`
	AlgorithmID   string   `json:"hash_key_algorithm_id"`
	SourceTables  []string `json:"source_tables"`
}

// Satellite holds descriptive, time-versioned payload for one hub or link.
//
// Invariant: within one (owner, source_table) pair every payload column
// belongs to exactly one satellite.
type Satellite struct {
	Name        string    `json:"name"`
	Owner       EntityRef `json:"owner"`
	SourceTable string    `json:"source_table"`
	// Group is the cadence/grouping class: "business", "pii", "technical",
	// "reference", or "details" when grouping is disabled.
	Group          string   `json:"group"`
	PayloadColumns []string `json:"payload_columns"`
	HashdiffColumn string   `json:"hashdiff_column"`
	AlgorithmID    string   `json:"hashdiff_algorithm_id"`
	LoadCadence    string   `json:"load_cadence,omitempty"`
}

// Summary carries model-level counters surfaced to callers and reports.
type Summary struct {
	TablesAnalyzed  int `json:"tables_analyzed"`
	ColumnsAnalyzed int `json:"columns_analyzed"`
	PIIColumns      int `json:"pii_columns"`
	TablesSkipped   int `json:"tables_skipped"`
}

// Definition is the complete synthesized model for a batch set.
type Definition struct {
	Name          string      `json:"name"`
	ConfigVersion string      `json:"config_version,omitempty"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Hubs          []Hub       `json:"hubs"`
	Links         []Link      `json:"links"`
	Satellites    []Satellite `json:"satellites"`
	Summary       Summary     `json:"summary"`
}

// HubByConcept returns the hub with the given concept signature.
func (d *Definition) HubByConcept(concept string) (Hub, bool) {
	for _, h := range d.Hubs {
		if h.Concept == concept {
			return h, true
		}
	}
	return Hub{}, false
}

// SatellitesFor returns the satellites owned by the given entity, in
// definition order.
func (d *Definition) SatellitesFor(owner EntityRef) []Satellite {
	var out []Satellite
	for _, s := range d.Satellites {
		if s.Owner == owner {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the structural DAG invariants:
//   - every link references >=2 distinct, existing hubs
//   - every satellite owner exists and is a hub or link
//   - no payload column repeats across satellites of one (owner, source)
func (d *Definition) Validate() error {
	hubs := make(map[string]struct{}, len(d.Hubs))
	for _, h := range d.Hubs {
		if len(h.BusinessKeys) == 0 {
			return errors.Newf("model: hub %s has no business keys", h.Name)
		}
		if _, dup := hubs[h.Concept]; dup {
			return errors.Newf("model: duplicate hub concept %s", h.Concept)
		}
		hubs[h.Concept] = struct{}{}
	}

	links := make(map[string]struct{}, len(d.Links))
	for _, l := range d.Links {
		if len(l.Hubs) < 2 {
			return errors.Newf("model: link %s has fewer than two hubs", l.Name)
		}
		seen := make(map[string]struct{}, len(l.Hubs))
		for _, c := range l.Hubs {
			if _, ok := hubs[c]; !ok {
				return errors.Newf("model: link %s references unknown hub %s", l.Name, c)
			}
			if _, dup := seen[c]; dup {
				return errors.Newf("model: link %s repeats hub %s", l.Name, c)
			}
			seen[c] = struct{}{}
		}
		links[l.Name] = struct{}{}
	}

	type ownerSource struct {
		owner  EntityRef
		source string
	}
	claimed := map[ownerSource]map[string]string{}
	for _, s := range d.Satellites {
		switch s.Owner.Kind {
		case KindHub:
			hub, ok := d.HubByConcept(s.Owner.Name)
			if !ok || hub.Concept != s.Owner.Name {
				return errors.Newf("model: satellite %s references unknown hub %s", s.Name, s.Owner.Name)
			}
		case KindLink:
			if _, ok := links[s.Owner.Name]; !ok {
				return errors.Newf("model: satellite %s references unknown link %s", s.Name, s.Owner.Name)
			}
		default:
			return errors.Newf("model: satellite %s has invalid owner kind %q", s.Name, s.Owner.Kind)
		}

		key := ownerSource{owner: s.Owner, source: s.SourceTable}
		cols := claimed[key]
		if cols == nil {
			cols = map[string]string{}
			claimed[key] = cols
		}
		for _, c := range s.PayloadColumns {
			if prev, dup := cols[c]; dup {
				return errors.Newf("model: column %s claimed by satellites %s and %s", c, prev, s.Name)
			}
			cols[c] = s.Name
		}
	}

	return nil
}

// Sort orders the definition deterministically: hubs by concept, links by
// name, satellites by name.
func (d *Definition) Sort() {
	sort.Slice(d.Hubs, func(i, j int) bool { return d.Hubs[i].Concept < d.Hubs[j].Concept })
	sort.Slice(d.Links, func(i, j int) bool { return d.Links[i].Name < d.Links[j].Name })
	sort.Slice(d.Satellites, func(i, j int) bool { return d.Satellites[i].Name < d.Satellites[j].Name })
}

// Signature builds a hub concept signature from normalized business-key
// column names: synonym-resolved, sorted, joined with "+".
//
// Normalization is case/whitespace-insensitive by construction (inputs are
// already normalized identifiers); synonym resolution maps source-specific
// spellings onto one canonical concept token.
func Signature(columns []string, synonyms map[string]string) string {
	resolved := make([]string, 0, len(columns))
	for _, c := range columns {
		c = strings.ToLower(strings.TrimSpace(c))
		if canon, ok := synonyms[c]; ok {
			c = canon
		}
		resolved = append(resolved, c)
	}
	sort.Strings(resolved)
	return strings.Join(resolved, "+")
}

// LinkSignature builds a link identity from participating hub concepts:
// sorted and joined, so the identity is independent of observation order.
func LinkSignature(concepts []string) string {
	sorted := append([]string(nil), concepts...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}

// HubName renders the emitted hub table name for a concept.
func HubName(concept string) string {
	return "hub_" + sanitizeEntityName(concept)
}

// LinkName renders the emitted link table name for sorted hub concepts.
func LinkName(concepts []string) string {
	sorted := append([]string(nil), concepts...)
	sort.Strings(sorted)
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = sanitizeEntityName(c)
	}
	return "link_" + strings.Join(parts, "_")
}

// SatelliteName renders the emitted satellite table name.
func SatelliteName(ownerName, group string) string {
	return "sat_" + sanitizeEntityName(ownerName) + "_" + sanitizeEntityName(group)
}

// HashKeyColumn renders the surrogate key column name, "<NAME>_HK".
func HashKeyColumn(entityName string) string {
	return strings.ToUpper(sanitizeEntityName(entityName)) + "_HK"
}

func sanitizeEntityName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	last := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
			last = c
		default:
			if last != '_' && b.Len() > 0 {
				b.WriteByte('_')
				last = '_'
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
