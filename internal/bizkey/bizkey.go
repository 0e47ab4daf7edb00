// Package bizkey selects the column set forming a stable natural key for a
// table, from identifier-role classifications plus sample statistics.
package bizkey

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"vaultgen/internal/classify"
	"vaultgen/internal/config"
	"vaultgen/internal/introspect"
	"vaultgen/pkg/records"
)

// Candidate is a resolved (or evaluated) business key.
//
// Invariant: UniquenessRatio and NullRatio are computed over the full bounded
// sample, never a subset. Columns are kept in a deterministic order.
type Candidate struct {
	Table           string   `json:"table"`
	Columns         []string `json:"columns"`
	UniquenessRatio float64  `json:"uniqueness_ratio"`
	NullRatio       float64  `json:"null_ratio"`
	StabilityScore  float64  `json:"stability_score"`
}

// ErrNoBusinessKey marks a table for which no qualifying single or composite
// key exists within the bounded search. Non-fatal to the batch: the table is
// skipped and reported.
var ErrNoBusinessKey = errors.New("no qualifying business key")

// Resolver evaluates key candidates against configured thresholds.
type Resolver struct {
	cfg config.BusinessKeyConfig
}

// New returns a Resolver. The zero thresholds are not defaulted here; callers
// pass a validated config.
func New(cfg config.BusinessKeyConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve picks a business key for one table.
//
// Selection order:
//  1. Single identifier-role columns meeting both thresholds, best
//     (uniqueness desc, null asc, name asc) first.
//  2. Composites of identifier+descriptive columns, size 2 up to the
//     configured bound, candidates ordered the same way; the first composite
//     jointly meeting the thresholds wins.
//
// rows must be the same sample the columns were introspected from; composite
// uniqueness is computed jointly over it.
//
// Errors:
//   - ErrNoBusinessKey when nothing qualifies within the bounded search.
func (r *Resolver) Resolve(table string, cols []introspect.SourceColumn, results []classify.Result, rows []records.Record) (Candidate, error) {
	byName := make(map[string]introspect.SourceColumn, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}

	roles := classify.ByColumn(results)

	// Single-column pass over identifier-role columns.
	var singles []Candidate
	for _, c := range cols {
		res, ok := roles[c.Table+"."+c.Name]
		if !ok || res.Role != classify.RoleIdentifier {
			continue
		}
		singles = append(singles, Candidate{
			Table:           table,
			Columns:         []string{c.Name},
			UniquenessRatio: c.Stats.UniquenessRatio,
			NullRatio:       c.Stats.NullRatio,
			StabilityScore:  stability(c),
		})
	}
	sortCandidates(singles)
	for _, cand := range singles {
		if r.qualifies(cand) {
			return cand, nil
		}
	}

	// Composite pass: identifier and descriptive columns are eligible members.
	var members []string
	for _, c := range cols {
		res, ok := roles[c.Table+"."+c.Name]
		if !ok {
			continue
		}
		if res.Role == classify.RoleIdentifier || res.Role == classify.RoleDescriptive {
			members = append(members, c.Name)
		}
	}
	sort.Strings(members)

	maxSize := r.cfg.MaxCompositeSize
	if maxSize > 3 {
		maxSize = 3
	}
	for size := 2; size <= maxSize; size++ {
		var composites []Candidate
		for _, combo := range combinations(members, size) {
			cand := r.evaluateComposite(table, combo, byName, rows)
			composites = append(composites, cand)
		}
		sortCandidates(composites)
		for _, cand := range composites {
			if r.qualifies(cand) {
				return cand, nil
			}
		}
	}

	return Candidate{}, errors.Mark(errors.Newf("table %s: no qualifying business key", table), ErrNoBusinessKey)
}

func (r *Resolver) qualifies(c Candidate) bool {
	return c.UniquenessRatio >= r.cfg.MinUniqueness && c.NullRatio <= r.cfg.MaxNullRatio
}

// evaluateComposite computes joint uniqueness/null statistics for a column
// combination over the full sample. A row counts toward the denominator only
// when every member column has a value; rows missing any member count toward
// the null ratio instead.
func (r *Resolver) evaluateComposite(table string, combo []string, byName map[string]introspect.SourceColumn, rows []records.Record) Candidate {
	distinct := make(map[string]struct{}, len(rows))
	complete := 0

	var sb strings.Builder
	for _, row := range rows {
		sb.Reset()
		missing := false
		for i, col := range combo {
			sc := byName[col]
			v, ok := row[sc.OriginalName]
			if !ok {
				v, ok = row[col]
			}
			s := ""
			if ok && v != nil {
				s = strings.TrimSpace(introspect.Stringify(v))
			}
			if s == "" {
				missing = true
				break
			}
			if i > 0 {
				sb.WriteByte('\x1f')
			}
			sb.WriteString(s)
		}
		if missing {
			continue
		}
		complete++
		distinct[sb.String()] = struct{}{}
	}

	cand := Candidate{Table: table, Columns: append([]string(nil), combo...)}
	if len(rows) > 0 {
		cand.NullRatio = 1 - float64(complete)/float64(len(rows))
	}
	if complete > 0 {
		cand.UniquenessRatio = float64(len(distinct)) / float64(complete)
	}

	var stab float64
	for _, col := range combo {
		stab += stability(byName[col])
	}
	cand.StabilityScore = stab / float64(len(combo))
	return cand
}

// stability scores how safe a column is as a long-lived key: fewer nulls and a
// structurally stable type score higher, timestamps lower (they change).
func stability(c introspect.SourceColumn) float64 {
	s := 1 - c.Stats.NullRatio
	switch c.DeclaredType {
	case introspect.TypeTimestamp:
		s *= 0.25
	case introspect.TypeDecimal:
		s *= 0.6
	case introspect.TypeBoolean:
		s *= 0.5
	}
	return s
}

// sortCandidates orders by (uniqueness desc, null asc, joined name asc) so
// candidate evaluation is deterministic across runs.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].UniquenessRatio != cands[j].UniquenessRatio {
			return cands[i].UniquenessRatio > cands[j].UniquenessRatio
		}
		if cands[i].NullRatio != cands[j].NullRatio {
			return cands[i].NullRatio < cands[j].NullRatio
		}
		return strings.Join(cands[i].Columns, "+") < strings.Join(cands[j].Columns, "+")
	})
}

// combinations returns all size-k combinations of items, preserving input
// order within each combination.
func combinations(items []string, k int) [][]string {
	if k <= 0 || k > len(items) {
		return nil
	}
	var out [][]string
	combo := make([]string, k)

	var walk func(start, depth int)
	walk = func(start, depth int) {
		if depth == k {
			out = append(out, append([]string(nil), combo...))
			return
		}
		for i := start; i <= len(items)-(k-depth); i++ {
			combo[depth] = items[i]
			walk(i+1, depth+1)
		}
	}
	walk(0, 0)
	return out
}
