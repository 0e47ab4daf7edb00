// Package classify assigns each introspected column a role from statistical
// and lexical signals.
//
// Role assignment is a weighted vote: each signal contributes a score per
// candidate role, the highest-scoring role wins, and ties break by a fixed
// priority order. Classification is a pure function of (SourceColumn,
// configuration); re-running over the same inputs is deterministic.
package classify

import (
	"sort"
	"strings"

	"vaultgen/internal/config"
	"vaultgen/internal/introspect"
)

// Role is a column's classified role.
type Role string

const (
	RoleIdentifier  Role = "identifier"
	RoleTimestamp   Role = "timestamp"
	RoleMeasure     Role = "measure"
	RoleDescriptive Role = "descriptive"
	RoleText        Role = "text"
)

// rolePriority breaks score ties: identifier > timestamp > measure >
// descriptive > text.
var rolePriority = []Role{RoleIdentifier, RoleTimestamp, RoleMeasure, RoleDescriptive, RoleText}

// Result is one classification outcome. Results are superseded, never
// mutated, on reclassification.
type Result struct {
	Table  string  `json:"table"`
	Column string  `json:"column"`
	Role   Role    `json:"role"`
	// Confidence is the normalized margin between the top two role scores,
	// in [0,1].
	Confidence float64 `json:"confidence"`
	// Fallback marks columns that fell below the confidence threshold and
	// took the conservative descriptive role. Exposed for audit.
	Fallback bool `json:"fallback,omitempty"`
}

// Classifier scores columns against a configured lexicon.
type Classifier struct {
	minConfidence float64
	roleTokens    map[string]Role // token -> role
}

// New builds a Classifier from configuration. Lexicon tokens are indexed once;
// the classifier itself is immutable and safe for concurrent use.
func New(cfg config.ClassifierConfig, lex config.Lexicon) *Classifier {
	tokens := make(map[string]Role)
	for roleName, toks := range lex.RoleTokens {
		role := Role(roleName)
		for _, t := range toks {
			tokens[strings.ToLower(t)] = role
		}
	}
	return &Classifier{
		minConfidence: cfg.MinConfidence,
		roleTokens:    tokens,
	}
}

// Column classifies a single column.
func (c *Classifier) Column(col introspect.SourceColumn) Result {
	scores := map[Role]float64{}

	// Signal 1: name tokens. Exact token match scores double a suffix match.
	for _, tok := range nameTokens(col.Name) {
		if role, ok := c.roleTokens[tok]; ok {
			scores[role] += 2.0
		}
	}
	for tok, role := range c.roleTokens {
		if len(tok) >= 2 && strings.HasSuffix(col.Name, tok) && col.Name != tok {
			scores[role] += 1.0
		}
	}

	// Signal 2: declared/inferred type.
	switch col.DeclaredType {
	case introspect.TypeTimestamp:
		scores[RoleTimestamp] += 2.5
	case introspect.TypeBoolean:
		scores[RoleDescriptive] += 1.0
	case introspect.TypeDecimal:
		scores[RoleMeasure] += 1.5
	case introspect.TypeInteger:
		scores[RoleMeasure] += 0.5
	case introspect.TypeString:
		scores[RoleDescriptive] += 0.25
	}

	// Signal 3: uniqueness. Near-unique columns lean identifier; near-constant
	// columns lean descriptive.
	switch u := col.Stats.UniquenessRatio; {
	case u >= 0.9:
		scores[RoleIdentifier] += 1.5
	case u >= 0.5:
		scores[RoleIdentifier] += 0.5
	case u <= 0.1:
		scores[RoleDescriptive] += 0.5
	}

	// Signal 4: value-length distribution. Long strings are free text; short
	// uniform strings behave like codes.
	if col.DeclaredType == introspect.TypeString {
		switch {
		case col.Stats.MeanLength > 40:
			scores[RoleText] += 2.0
		case col.Stats.MeanLength > 0 && col.Stats.MaxLength <= 12:
			scores[RoleIdentifier] += 0.5
		}
	}

	role, top, second := pickRole(scores)

	res := Result{Table: col.Table, Column: col.Name, Role: role}
	if top > 0 {
		res.Confidence = (top - second) / top
	}

	if top == 0 || res.Confidence < c.minConfidence {
		return Result{
			Table:    col.Table,
			Column:   col.Name,
			Role:     RoleDescriptive,
			Fallback: true,
		}
	}
	return res
}

// Columns classifies a column set. Output order follows input order, so merge
// order never affects results.
func (c *Classifier) Columns(cols []introspect.SourceColumn) []Result {
	out := make([]Result, len(cols))
	for i, col := range cols {
		out[i] = c.Column(col)
	}
	return out
}

// pickRole returns the winning role plus the top two scores. Ties resolve by
// rolePriority, which also fixes map iteration nondeterminism.
func pickRole(scores map[Role]float64) (Role, float64, float64) {
	best := RoleDescriptive
	var top, second float64

	for _, r := range rolePriority {
		s := scores[r]
		if s > top {
			second = top
			top = s
			best = r
		} else if s > second {
			second = s
		}
	}
	return best, top, second
}

// nameTokens splits a normalized identifier into its underscore tokens.
func nameTokens(name string) []string {
	parts := strings.Split(name, "_")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ByColumn indexes results by (table, column) for deterministic merging of
// parallel classification output.
func ByColumn(results []Result) map[string]Result {
	out := make(map[string]Result, len(results))
	for _, r := range results {
		out[r.Table+"."+r.Column] = r
	}
	return out
}

// Identifiers filters results down to identifier-role columns, sorted by
// column name for stable downstream iteration.
func Identifiers(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Role == RoleIdentifier {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}
