// Package compose assembles satellites: the descriptive payload of each source
// table, partitioned into groups and attached to the owning hub or link.
//
// Partitioning invariant: within one (owner, source_table) pair every payload
// column lands in exactly one satellite. Business-key columns never appear in
// a payload; they live on the hub.
package compose

import (
	"sort"
	"strings"

	"vaultgen/internal/classify"
	"vaultgen/internal/config"
	"vaultgen/internal/introspect"
	"vaultgen/internal/model"
	"vaultgen/internal/pii"
)

// Group classes. GroupDetails is the single class used when cadence grouping
// is disabled.
const (
	GroupBusiness  = "business"
	GroupPII       = "pii"
	GroupTechnical = "technical"
	GroupReference = "reference"
	GroupDetails   = "details"
)

// Composer partitions payload columns into satellite groups. Immutable after
// New; safe for concurrent use.
type Composer struct {
	cfg         config.SatelliteConfig
	algorithmID string
	cadence     map[string]string // token -> cadence class
}

// New builds a Composer from satellite options and the cadence lexicon.
func New(cfg config.SatelliteConfig, lex config.Lexicon, algorithmID string) *Composer {
	cadence := map[string]string{}
	for class, toks := range lex.CadenceTokens {
		for _, t := range toks {
			cadence[strings.ToLower(t)] = class
		}
	}
	return &Composer{cfg: cfg, algorithmID: algorithmID, cadence: cadence}
}

// Table composes the satellites for one table's payload.
//
// Satellites are named after the source table, not the owner, so two tables
// feeding the same hub produce distinct satellite names. keyColumns are
// excluded from every payload.
//
// Edge cases:
//   - A table whose every column is a key column yields no satellites; a hub
//     with zero satellites is valid.
func (c *Composer) Table(owner model.EntityRef, table string, cols []introspect.SourceColumn, results []classify.Result, flags []pii.Flag, keyColumns []string) []model.Satellite {
	keys := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keys[k] = struct{}{}
	}

	roles := classify.ByColumn(results)
	flagged := make(map[string]pii.Flag, len(flags))
	for _, f := range flags {
		flagged[f.Table+"."+f.Column] = f
	}

	groups := map[string][]string{}
	for _, col := range cols {
		if _, isKey := keys[col.Name]; isKey {
			continue
		}
		key := col.Table + "." + col.Name
		g := c.groupFor(col.Name, roles[key].Role, flagged[key])
		groups[g] = append(groups[g], col.Name)
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var out []model.Satellite
	for _, g := range names {
		payload := groups[g]
		sort.Strings(payload)
		out = append(out, model.Satellite{
			Name:           model.SatelliteName(table, g),
			Owner:          owner,
			SourceTable:    table,
			Group:          g,
			PayloadColumns: payload,
			HashdiffColumn: model.HashdiffColumn,
			AlgorithmID:    c.algorithmID,
			LoadCadence:    cadenceFor(g),
		})
	}
	return out
}

// groupFor assigns one payload column to its group class. PII splitting wins
// over cadence grouping so access controls always target one table.
func (c *Composer) groupFor(column string, role classify.Role, flag pii.Flag) string {
	if c.cfg.SplitPII && flag.Regulated() {
		return GroupPII
	}
	if !c.cfg.GroupByCadence {
		return GroupDetails
	}

	if class, ok := c.cadence[column]; ok {
		return class
	}
	for _, tok := range strings.Split(column, "_") {
		if class, ok := c.cadence[tok]; ok {
			return class
		}
	}

	if role == classify.RoleTimestamp {
		return GroupTechnical
	}
	return GroupBusiness
}

// cadenceFor maps a group class to its expected change cadence, recorded on
// the satellite for downstream load scheduling.
func cadenceFor(group string) string {
	switch group {
	case GroupTechnical:
		return "every_load"
	case GroupReference:
		return "slow"
	default:
		return ""
	}
}
