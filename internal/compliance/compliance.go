// Package compliance aggregates a synthesized model and its PII findings into
// an audit report: where regulated data landed, whether it is isolated in
// dedicated satellites, and which classifications need human review.
//
// Report building is pure aggregation over inputs already computed upstream;
// it never re-detects or re-classifies.
package compliance

import (
	"sort"
	"time"

	"vaultgen/internal/classify"
	"vaultgen/internal/model"
	"vaultgen/internal/pii"
)

// Placement says where a regulated column ended up in the model.
type Placement string

const (
	// PlacementSatellite means the column landed in a satellite payload.
	PlacementSatellite Placement = "satellite"
	// PlacementHub means the column is a business key and lives on a hub.
	// Hub keys cannot be isolated; the report calls these out.
	PlacementHub Placement = "hub"
	// PlacementNone means the column's table was skipped or the column was
	// dropped before composition.
	PlacementNone Placement = "none"
)

// Finding is one regulated column's audit entry.
type Finding struct {
	Table      string       `json:"table"`
	Column     string       `json:"column"`
	Category   pii.Category `json:"category"`
	Confidence float64      `json:"confidence"`
	Rule       string       `json:"rule,omitempty"`
	Placement  Placement    `json:"placement"`
	// Entity is the hub or satellite holding the column, when placed.
	Entity string `json:"entity,omitempty"`
	// Isolated reports whether the column sits in a dedicated PII satellite,
	// where access controls can target a single table.
	Isolated bool `json:"isolated"`
}

// ReviewItem queues one low-confidence classification for human review.
type ReviewItem struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Reason string `json:"reason"`
}

// Summary carries report-level counters.
type Summary struct {
	RegulatedColumns  int `json:"regulated_columns"`
	IsolatedColumns   int `json:"isolated_columns"`
	HubKeyColumns     int `json:"hub_key_columns"`
	UnplacedColumns   int `json:"unplaced_columns"`
	ReviewQueueLength int `json:"review_queue_length"`
}

// Report is the complete compliance artifact for one run.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Findings    []Finding    `json:"findings"`
	ReviewQueue []ReviewItem `json:"review_queue,omitempty"`
	Summary     Summary      `json:"summary"`
}

// Build assembles the report from the synthesized definition, the PII flags,
// and the role classifications.
func Build(def *model.Definition, flags []pii.Flag, classifications []classify.Result) Report {
	rep := Report{GeneratedAt: time.Now().UTC()}

	satByColumn := indexSatellites(def)
	hubByColumn := indexHubKeys(def)

	for _, f := range flags {
		if !f.Regulated() {
			continue
		}
		finding := Finding{
			Table:      f.Table,
			Column:     f.Column,
			Category:   f.Category,
			Confidence: f.Confidence,
			Rule:       f.Rule,
			Placement:  PlacementNone,
		}

		key := f.Table + "." + f.Column
		if sat, ok := satByColumn[key]; ok {
			finding.Placement = PlacementSatellite
			finding.Entity = sat.Name
			finding.Isolated = sat.Group == "pii"
		} else if hub, ok := hubByColumn[key]; ok {
			finding.Placement = PlacementHub
			finding.Entity = hub
		}

		rep.Findings = append(rep.Findings, finding)

		rep.Summary.RegulatedColumns++
		switch {
		case finding.Isolated:
			rep.Summary.IsolatedColumns++
		case finding.Placement == PlacementHub:
			rep.Summary.HubKeyColumns++
		case finding.Placement == PlacementNone:
			rep.Summary.UnplacedColumns++
		}
	}

	for _, c := range classifications {
		if !c.Fallback {
			continue
		}
		rep.ReviewQueue = append(rep.ReviewQueue, ReviewItem{
			Table:  c.Table,
			Column: c.Column,
			Reason: "classification fell back to descriptive below the confidence threshold",
		})
	}
	rep.Summary.ReviewQueueLength = len(rep.ReviewQueue)

	sort.Slice(rep.Findings, func(i, j int) bool {
		if rep.Findings[i].Table != rep.Findings[j].Table {
			return rep.Findings[i].Table < rep.Findings[j].Table
		}
		return rep.Findings[i].Column < rep.Findings[j].Column
	})
	sort.Slice(rep.ReviewQueue, func(i, j int) bool {
		if rep.ReviewQueue[i].Table != rep.ReviewQueue[j].Table {
			return rep.ReviewQueue[i].Table < rep.ReviewQueue[j].Table
		}
		return rep.ReviewQueue[i].Column < rep.ReviewQueue[j].Column
	})
	return rep
}

// indexSatellites maps "table.column" to the satellite holding the column.
// The model invariant guarantees at most one per (owner, source) pair, and
// composition never assigns one column to two owners for one table.
func indexSatellites(def *model.Definition) map[string]model.Satellite {
	out := map[string]model.Satellite{}
	for _, s := range def.Satellites {
		for _, col := range s.PayloadColumns {
			out[s.SourceTable+"."+col] = s
		}
	}
	return out
}

// indexHubKeys maps "table.column" to the hub name, qualified by each hub's
// source tables. A bare column name is not enough: an unrelated table may
// reuse a key column's name without feeding the hub.
func indexHubKeys(def *model.Definition) map[string]string {
	out := map[string]string{}
	for _, h := range def.Hubs {
		for _, src := range h.SourceTables {
			for _, bk := range h.BusinessKeys {
				out[src+"."+bk] = h.Name
			}
		}
	}
	return out
}
