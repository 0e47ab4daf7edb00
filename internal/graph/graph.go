// Package graph derives the hub/link entity graph from resolved business keys
// across all tables of a batch set.
//
// Concept identity for a hub is the normalized, synonym-resolved signature of
// its business-key column names; two tables resolving to the same signature
// collapse into one hub. A link exists once per distinct unordered set of hub
// concepts observed co-occurring in a single record.
//
// Building proceeds in two passes over the batch set:
//  1. Collect hub candidates across tables, union by signature.
//  2. Route each record's present-key set to the matching link, creating it
//     on first observation.
//
// The catalog union step is the single serialization point: table processing
// may run concurrently, but hub/link creation goes through the catalog lock
// so concurrent observers never create duplicates.
package graph

import (
	"sort"
	"strings"
	"sync"

	"vaultgen/internal/bizkey"
	"vaultgen/internal/introspect"
	"vaultgen/internal/model"
	"vaultgen/pkg/records"
)

// Catalog is the explicit per-run context holding the hub/link signature
// index. It replaces ambient global state: callers create one per run and
// pass it through.
type Catalog struct {
	mu    sync.Mutex
	hubs  map[string]*model.Hub  // concept signature -> hub
	links map[string]*model.Link // link signature -> link
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		hubs:  map[string]*model.Hub{},
		links: map[string]*model.Link{},
	}
}

// Hubs returns the collected hubs sorted by concept.
func (c *Catalog) Hubs() []model.Hub {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Hub, 0, len(c.hubs))
	for _, h := range c.hubs {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Concept < out[j].Concept })
	return out
}

// Links returns the collected links sorted by name.
func (c *Catalog) Links() []model.Link {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Link, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Builder derives hubs and links. Immutable after construction.
type Builder struct {
	synonyms    map[string]string
	algorithmID string
}

// New returns a Builder using the given synonym lexicon and hash algorithm id
// (recorded on emitted entities).
func New(synonyms map[string]string, algorithmID string) *Builder {
	return &Builder{synonyms: synonyms, algorithmID: algorithmID}
}

// Signature resolves a key column set to its concept signature.
func (b *Builder) Signature(columns []string) string {
	return model.Signature(columns, b.synonyms)
}

// AddHub unions a table's resolved business key into the catalog (pass 1).
// Repeated observation of the same concept from different tables extends the
// hub's source list instead of duplicating it. Returns the concept signature.
func (b *Builder) AddHub(cat *Catalog, key bizkey.Candidate) string {
	concept := b.Signature(key.Columns)

	cat.mu.Lock()
	defer cat.mu.Unlock()

	hub, ok := cat.hubs[concept]
	if !ok {
		keys := append([]string(nil), key.Columns...)
		sort.Strings(keys)
		hub = &model.Hub{
			Concept:       concept,
			Name:          model.HubName(concept),
			BusinessKeys:  keys,
			HashKeyColumn: model.HashKeyColumn(concept),
			AlgorithmID:   b.algorithmID,
		}
		cat.hubs[concept] = hub
	}
	hub.SourceTables = appendUnique(hub.SourceTables, key.Table)
	return concept
}

// HubKeyColumns maps each cataloged concept to the table columns carrying its
// key, for one table's column set. A concept participates only when every one
// of its key columns appears in the table.
func (b *Builder) HubKeyColumns(cat *Catalog, cols []introspect.SourceColumn) map[string][]string {
	present := make(map[string]string, len(cols)) // normalized token -> column name
	for _, c := range cols {
		present[b.resolveToken(c.Name)] = c.Name
	}

	cat.mu.Lock()
	concepts := make([]*model.Hub, 0, len(cat.hubs))
	for _, h := range cat.hubs {
		concepts = append(concepts, h)
	}
	cat.mu.Unlock()

	out := map[string][]string{}
	for _, hub := range concepts {
		columns := make([]string, 0, len(hub.BusinessKeys))
		found := true
		for _, bk := range hub.BusinessKeys {
			col, ok := present[b.resolveToken(bk)]
			if !ok {
				found = false
				break
			}
			columns = append(columns, col)
		}
		if found {
			out[hub.Concept] = columns
		}
	}
	return out
}

// ObserveLinks scans a table's records for co-occurring hub keys (pass 2).
// Each record with complete keys for >=2 distinct concepts routes to the link
// for that concept set, creating it on first observation. Returns the link
// signatures observed in this table.
func (b *Builder) ObserveLinks(cat *Catalog, table string, cols []introspect.SourceColumn, rows []records.Record) []string {
	keyCols := b.HubKeyColumns(cat, cols)
	if len(keyCols) < 2 {
		return nil
	}

	origByName := make(map[string]string, len(cols))
	for _, c := range cols {
		origByName[c.Name] = c.OriginalName
	}

	observed := map[string]struct{}{}
	for _, row := range rows {
		var concepts []string
		for concept, columns := range keyCols {
			if rowHasAll(row, columns, origByName) {
				concepts = append(concepts, concept)
			}
		}
		if len(concepts) < 2 {
			continue
		}
		sort.Strings(concepts)
		sig := model.LinkSignature(concepts)
		if _, ok := observed[sig]; ok {
			continue
		}
		observed[sig] = struct{}{}
		b.addLink(cat, table, concepts)
	}

	sigs := make([]string, 0, len(observed))
	for s := range observed {
		sigs = append(sigs, s)
	}
	sort.Strings(sigs)
	return sigs
}

func (b *Builder) addLink(cat *Catalog, table string, concepts []string) {
	sig := model.LinkSignature(concepts)

	cat.mu.Lock()
	defer cat.mu.Unlock()

	link, ok := cat.links[sig]
	if !ok {
		name := model.LinkName(concepts)
		link = &model.Link{
			Name:          name,
			Hubs:          append([]string(nil), concepts...),
			HashKeyColumn: model.HashKeyColumn(name),
			AlgorithmID:   b.algorithmID,
		}
		cat.links[sig] = link
	}
	link.SourceTables = appendUnique(link.SourceTables, table)
}

// resolveToken normalizes one column name through the synonym lexicon.
func (b *Builder) resolveToken(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canon, ok := b.synonyms[n]; ok {
		return canon
	}
	return n
}

func rowHasAll(row records.Record, columns []string, origByName map[string]string) bool {
	for _, col := range columns {
		v, ok := row[col]
		if !ok {
			if orig, has := origByName[col]; has {
				v, ok = row[orig]
			}
		}
		if !ok || v == nil {
			return false
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return false
		}
	}
	return true
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	list = append(list, v)
	sort.Strings(list)
	return list
}
