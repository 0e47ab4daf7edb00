// Package pipeline orchestrates a full synthesis run: introspection,
// classification, PII detection, business key resolution, entity graph
// building, satellite composition, hash computation, incremental planning,
// and compliance reporting.
//
// The run is staged:
//
//	stage A  per-table introspection + classification + PII (parallel)
//	stage B  business key resolution, hub union (sequential, deterministic)
//	stage C  link observation over all tables
//	stage D  satellite composition
//	stage E  definition assembly + validation
//	stage F  hash key / hashdiff computation
//	stage G  incremental load planning (when a key store is wired)
//	stage H  compliance report
//
// Stages B..E are deterministic by construction: parallel stage-A output is
// merged by table name before anything order-sensitive runs, so the same
// batch and configuration always produce the same model.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultgen/internal/bizkey"
	"vaultgen/internal/classify"
	"vaultgen/internal/compliance"
	"vaultgen/internal/compose"
	"vaultgen/internal/config"
	"vaultgen/internal/graph"
	"vaultgen/internal/hashkey"
	"vaultgen/internal/introspect"
	"vaultgen/internal/keystore"
	"vaultgen/internal/metrics"
	"vaultgen/internal/model"
	"vaultgen/internal/pii"
	"vaultgen/internal/planner"
	"vaultgen/pkg/records"
)

// SourceTable is one table's bounded sample as fed into a run.
type SourceTable struct {
	Name string
	// Columns lists the original column names in source order. When empty,
	// the sorted union of record keys is used.
	Columns []string
	// DeclaredTypes optionally carries source-declared column types keyed by
	// original column name. Missing entries fall back to sample inference.
	DeclaredTypes map[string]string
	Rows          []records.Record
}

// LoadBatch is the unit of input: a set of table samples arriving together.
type LoadBatch struct {
	// ID defaults to a fresh UUID when empty.
	ID           string
	RecordSource string
	// ArrivedAt defaults to now. It becomes the plan's load date.
	ArrivedAt time.Time
	Tables    []SourceTable
}

// SkippedTable records a table excluded from the model, with the reason
// surfaced for review.
type SkippedTable struct {
	Table  string `json:"table"`
	Reason string `json:"reason"`
}

// Result is a run's complete output.
type Result struct {
	Definition      *model.Definition
	Plan            *planner.Plan
	Classifications []classify.Result
	Flags           []pii.Flag
	Report          compliance.Report
	Skipped         []SkippedTable
}

// Engine runs synthesis. Construct with New; safe for concurrent runs.
type Engine struct {
	cfg     config.Config
	log     *zap.Logger
	backend metrics.Backend
	workers int
	store   keystore.Store

	classifier *classify.Classifier
	detector   *pii.Detector
	resolver   *bizkey.Resolver
	hasher     *hashkey.Engine
	composer   *compose.Composer
	builder    *graph.Builder
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics backend. Default discards metrics.
func WithMetrics(b metrics.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithKeyStore wires a key store, enabling planning in Run. Without one, Run
// synthesizes the model and returns a nil Plan.
func WithKeyStore(s keystore.Store) Option {
	return func(e *Engine) { e.store = s }
}

// New builds an Engine from configuration.
//
// Errors:
//   - Returns an error for an unknown hash algorithm or a PII pattern that
//     does not compile.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := hashkey.New(cfg.Hash.Algorithm)
	if err != nil {
		return nil, err
	}
	detector, err := pii.New(cfg.PII)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     zap.NewNop(),
		backend: metrics.Noop{},
		workers: cfg.Planner.Workers,

		classifier: classify.New(cfg.Classifier, cfg.Lexicon),
		detector:   detector,
		resolver:   bizkey.New(cfg.BusinessKey),
		hasher:     hasher,
		composer:   compose.New(cfg.Satellite, cfg.Lexicon, cfg.Hash.Algorithm),
		builder:    graph.New(cfg.Lexicon.Synonyms, cfg.Hash.Algorithm),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	return e, nil
}

// tableState accumulates one table's per-stage artifacts.
type tableState struct {
	table   SourceTable
	columns []introspect.SourceColumn
	results []classify.Result
	flags   []pii.Flag

	key        bizkey.Candidate
	concept    string // hub concept, when a key resolved
	linkSigs   []string
	satellites []model.Satellite
	skipped    string // non-empty reason when excluded
}

// Run synthesizes the model for a batch and, when a key store is wired,
// builds the incremental load plan.
//
// Errors:
//   - A batch with zero usable tables returns an error; individual bad
//     tables are skipped and reported, never fatal.
//   - Planning errors (non-transient store failures) abort the run.
func (e *Engine) Run(ctx context.Context, batch LoadBatch) (Result, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.ArrivedAt.IsZero() {
		batch.ArrivedAt = time.Now().UTC()
	}
	log := e.log.With(zap.String("batch_id", batch.ID))

	states := e.analyzeTables(ctx, log, batch.Tables)

	cat := graph.NewCatalog()
	e.resolveKeys(log, states, cat)
	e.observeLinks(states, cat)
	e.composeSatellites(states, cat)

	def, res := e.assemble(log, batch, states, cat)
	if len(def.Hubs) == 0 && len(def.Links) == 0 {
		return res, errors.Newf("pipeline: batch %s produced no entities (%d tables skipped)", batch.ID, len(res.Skipped))
	}
	if err := def.Validate(); err != nil {
		return res, err
	}

	if e.store != nil {
		plan, err := e.plan(ctx, log, batch, states, def)
		if err != nil {
			return res, err
		}
		res.Plan = plan
	}

	res.Report = compliance.Build(def, res.Flags, res.Classifications)
	log.Info("run complete",
		zap.String("stage", "done"),
		zap.Int("hubs", len(def.Hubs)),
		zap.Int("links", len(def.Links)),
		zap.Int("satellites", len(def.Satellites)),
		zap.Int("skipped_tables", len(res.Skipped)),
	)
	return res, nil
}

// analyzeTables runs stage A: introspection, classification, and PII
// detection per table, fanned out over the worker pool.
func (e *Engine) analyzeTables(ctx context.Context, log *zap.Logger, tables []SourceTable) []*tableState {
	started := time.Now()
	states := make([]*tableState, len(tables))

	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := e.workers
	if workers > len(tables) {
		workers = len(tables)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				states[idx] = e.analyzeOne(tables[idx])
			}
		}()
	}
dispatch:
	for i := range tables {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for i, st := range states {
		if st == nil {
			states[i] = &tableState{table: tables[i], skipped: "analysis cancelled"}
		}
	}

	e.observeStage("analyze", started, nil)
	log.Info("tables analyzed",
		zap.String("stage", "analyze"),
		zap.Int("tables", len(tables)),
		zap.Duration("took", time.Since(started)),
	)
	return states
}

func (e *Engine) analyzeOne(t SourceTable) *tableState {
	st := &tableState{table: t}

	columns := t.Columns
	if len(columns) == 0 {
		columns = unionColumns(t.Rows)
	}

	cols, err := introspect.Table(t.Name, columns, t.DeclaredTypes, t.Rows)
	if err != nil {
		if errors.Is(err, introspect.ErrSchema) {
			st.skipped = err.Error()
			return st
		}
		st.skipped = "introspection failed: " + err.Error()
		return st
	}
	st.columns = cols
	st.results = e.classifier.Columns(cols)
	st.flags = e.detector.Columns(cols)
	return st
}

// resolveKeys runs stage B sequentially in table order so hub union is
// deterministic.
func (e *Engine) resolveKeys(log *zap.Logger, states []*tableState, cat *graph.Catalog) {
	started := time.Now()
	for _, st := range states {
		if st.skipped != "" {
			continue
		}
		key, err := e.resolver.Resolve(st.table.Name, st.columns, st.results, st.table.Rows)
		if err != nil {
			if errors.Is(err, bizkey.ErrNoBusinessKey) {
				// Keyless tables may still carry a relationship; decided in
				// the link stage.
				log.Warn("no business key",
					zap.String("stage", "bizkey"),
					zap.String("table", st.table.Name),
				)
				continue
			}
			st.skipped = "business key resolution failed: " + err.Error()
			continue
		}
		st.key = key
		st.concept = e.builder.AddHub(cat, key)
	}
	e.observeStage("bizkey", started, nil)
}

// observeLinks runs stage C over every analyzed table, including keyless
// ones, once all hubs are known.
func (e *Engine) observeLinks(states []*tableState, cat *graph.Catalog) {
	started := time.Now()
	for _, st := range states {
		if st.skipped != "" {
			continue
		}
		st.linkSigs = e.builder.ObserveLinks(cat, st.table.Name, st.columns, st.table.Rows)
	}
	e.observeStage("links", started, nil)
}

// composeSatellites runs stage D. Tables with a resolved key attach payload
// to their hub. A keyless table observing exactly one link attaches payload
// to that link; other keyless tables are skipped.
func (e *Engine) composeSatellites(states []*tableState, cat *graph.Catalog) {
	started := time.Now()
	links := cat.Links()

	for _, st := range states {
		if st.skipped != "" {
			continue
		}

		switch {
		case st.concept != "":
			owner := model.EntityRef{Kind: model.KindHub, Name: st.concept}
			st.satellites = e.composer.Table(owner, st.table.Name, st.columns, st.results, st.flags, st.key.Columns)

		case len(st.linkSigs) == 1:
			link, ok := linkBySignature(links, st.linkSigs[0])
			if !ok {
				st.skipped = "observed link no longer in catalog"
				continue
			}
			owner := model.EntityRef{Kind: model.KindLink, Name: link.Name}
			keyCols := e.hubKeyColumnNames(cat, st.columns)
			st.satellites = e.composer.Table(owner, st.table.Name, st.columns, st.results, st.flags, keyCols)

		default:
			st.skipped = "no qualifying business key"
		}
	}
	e.observeStage("compose", started, nil)
}

// hubKeyColumnNames flattens every cataloged hub's key columns present in the
// table, for exclusion from link satellite payloads.
func (e *Engine) hubKeyColumnNames(cat *graph.Catalog, cols []introspect.SourceColumn) []string {
	var out []string
	for _, columns := range e.builder.HubKeyColumns(cat, cols) {
		out = append(out, columns...)
	}
	sort.Strings(out)
	return out
}

// assemble runs stage E: the definition plus run-level result bookkeeping.
func (e *Engine) assemble(log *zap.Logger, batch LoadBatch, states []*tableState, cat *graph.Catalog) (*model.Definition, Result) {
	def := &model.Definition{
		Name:          batch.RecordSource,
		ConfigVersion: e.cfg.Version,
		GeneratedAt:   time.Now().UTC(),
		Hubs:          cat.Hubs(),
		Links:         cat.Links(),
	}

	res := Result{Definition: def}
	for _, st := range states {
		if st.skipped != "" {
			res.Skipped = append(res.Skipped, SkippedTable{Table: st.table.Name, Reason: st.skipped})
			e.backend.IncCounter(metrics.TablesTotal, 1, metrics.Labels{"status": "skipped"})
			log.Warn("table skipped",
				zap.String("stage", "assemble"),
				zap.String("table", st.table.Name),
				zap.String("reason", st.skipped),
			)
			continue
		}
		def.Satellites = append(def.Satellites, st.satellites...)
		res.Classifications = append(res.Classifications, st.results...)
		res.Flags = append(res.Flags, st.flags...)

		def.Summary.TablesAnalyzed++
		def.Summary.ColumnsAnalyzed += len(st.columns)
		e.backend.IncCounter(metrics.TablesTotal, 1, metrics.Labels{"status": "modeled"})
	}
	def.Summary.TablesSkipped = len(res.Skipped)
	for _, f := range res.Flags {
		if f.Regulated() {
			def.Summary.PIIColumns++
			e.backend.IncCounter(metrics.PIIColumnsTotal, 1, metrics.Labels{"category": string(f.Category)})
		}
	}
	def.Sort()

	e.backend.IncCounter(metrics.EntitiesTotal, float64(len(def.Hubs)), metrics.Labels{"kind": "hub"})
	e.backend.IncCounter(metrics.EntitiesTotal, float64(len(def.Links)), metrics.Labels{"kind": "link"})
	e.backend.IncCounter(metrics.EntitiesTotal, float64(len(def.Satellites)), metrics.Labels{"kind": "satellite"})
	return def, res
}

// plan runs stages F and G: hash computation and incremental planning.
func (e *Engine) plan(ctx context.Context, log *zap.Logger, batch LoadBatch, states []*tableState, def *model.Definition) (*planner.Plan, error) {
	started := time.Now()

	load, err := e.buildLoad(batch, states, def)
	if err != nil {
		e.observeStage("plan", started, err)
		return nil, err
	}

	p := planner.New(e.store, e.cfg.Planner, log)
	plan, err := p.Plan(ctx, load)
	e.observeStage("plan", started, err)
	if err != nil {
		return nil, err
	}

	e.backend.IncCounter(metrics.PlanDecisionsTotal, float64(plan.Inserts), metrics.Labels{"action": string(planner.ActionInsert)})
	e.backend.IncCounter(metrics.PlanDecisionsTotal, float64(plan.Noops), metrics.Labels{"action": string(planner.ActionNoop)})
	return &plan, nil
}

// buildLoad computes every hash key and hashdiff in the batch. A collision
// guard checks each digest against its canonical input across the whole run.
func (e *Engine) buildLoad(batch LoadBatch, states []*tableState, def *model.Definition) (planner.Load, error) {
	load := planner.Load{
		BatchID:      batch.ID,
		RecordSource: batch.RecordSource,
		LoadDate:     batch.ArrivedAt,
	}
	guard := hashkey.NewGuard()
	cat := graph.NewCatalog()
	// Rebuild the catalog index from the definition so key-column lookups use
	// the final hub set.
	for _, h := range def.Hubs {
		for _, src := range h.SourceTables {
			e.builder.AddHub(cat, bizkey.Candidate{Table: src, Columns: h.BusinessKeys})
		}
	}

	// Keys accumulate per concept, link name, and satellite name.
	hubKeys := map[string][]string{}
	linkKeys := map[string][]string{}
	satVersions := map[string][]planner.Version{}

	for _, st := range states {
		if st.skipped != "" {
			continue
		}
		keyCols := e.builder.HubKeyColumns(cat, st.columns)
		origByName := map[string]string{}
		for _, c := range st.columns {
			origByName[c.Name] = c.OriginalName
		}

		satsByOwner := map[model.EntityRef][]model.Satellite{}
		for _, s := range st.satellites {
			satsByOwner[s.Owner] = append(satsByOwner[s.Owner], s)
		}

		for _, row := range st.table.Rows {
			rowHubKeys := map[string]string{}
			for concept, columns := range keyCols {
				values, ok := rowValues(row, columns, origByName)
				if !ok {
					continue
				}
				hk := e.hasher.HubKey(values)
				if err := guard.Check(hk, hashkey.Canonical(values)); err != nil {
					return load, err
				}
				rowHubKeys[concept] = hk
				hubKeys[concept] = append(hubKeys[concept], hk)
			}

			rowLinkKeys := map[string]string{}
			for _, link := range def.Links {
				members := make([]hashkey.Member, 0, len(link.Hubs))
				complete := true
				for _, concept := range link.Hubs {
					hk, ok := rowHubKeys[concept]
					if !ok {
						complete = false
						break
					}
					members = append(members, hashkey.Member{Signature: concept, HashKey: hk})
				}
				if !complete {
					continue
				}
				lk := e.hasher.LinkKey(members)
				if err := guard.Check(lk, hashkey.LinkCanonical(members)); err != nil {
					return load, err
				}
				rowLinkKeys[link.Name] = lk
				linkKeys[link.Name] = append(linkKeys[link.Name], lk)
			}

			for owner, sats := range satsByOwner {
				var ownerKey string
				switch owner.Kind {
				case model.KindHub:
					ownerKey = rowHubKeys[owner.Name]
				case model.KindLink:
					ownerKey = rowLinkKeys[owner.Name]
				}
				if ownerKey == "" {
					continue
				}
				for _, sat := range sats {
					values, _ := rowValues(row, sat.PayloadColumns, origByName)
					diff := e.hasher.Hashdiff(values)
					if err := guard.Check(diff, hashkey.Canonical(values)); err != nil {
						return load, err
					}
					satVersions[sat.Name] = append(satVersions[sat.Name], planner.Version{
						OwnerHashKey: ownerKey,
						Hashdiff:     diff,
					})
				}
			}
		}
	}

	for _, h := range def.Hubs {
		load.Hubs = append(load.Hubs, planner.EntityLoad{
			Ref:      model.EntityRef{Kind: model.KindHub, Name: h.Name},
			HashKeys: hubKeys[h.Concept],
		})
	}
	for _, l := range def.Links {
		load.Links = append(load.Links, planner.EntityLoad{
			Ref:      model.EntityRef{Kind: model.KindLink, Name: l.Name},
			HashKeys: linkKeys[l.Name],
		})
	}
	for _, s := range def.Satellites {
		load.Satellites = append(load.Satellites, planner.SatelliteLoad{
			Ref:      model.EntityRef{Kind: model.KindSatellite, Name: s.Name},
			Versions: satVersions[s.Name],
		})
	}
	return load, nil
}

// rowValues extracts and canonicalizes the named columns from a row. ok is
// false when any value is missing, for callers that need complete keys;
// payload callers ignore it and hash the placeholder-bearing slice.
func rowValues(row records.Record, columns []string, origByName map[string]string) ([]string, bool) {
	values := make([]string, len(columns))
	complete := true
	for i, col := range columns {
		v, ok := row[col]
		if !ok {
			if orig, has := origByName[col]; has {
				v, ok = row[orig]
			}
		}
		if !ok || v == nil {
			complete = false
			continue
		}
		values[i] = introspect.Stringify(v)
		if values[i] == "" {
			complete = false
		}
	}
	return values, complete
}

// unionColumns collects the sorted union of record keys, since schemaless
// samples may omit fields row to row.
func unionColumns(rows []records.Record) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func linkBySignature(links []model.Link, sig string) (model.Link, bool) {
	for _, l := range links {
		if model.LinkSignature(l.Hubs) == sig {
			return l, true
		}
	}
	return model.Link{}, false
}

// observeStage emits stage duration and completion metrics.
func (e *Engine) observeStage(stage string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := metrics.Labels{"stage": stage, "status": status}
	e.backend.IncCounter(metrics.StageTotal, 1, labels)
	e.backend.ObserveHistogram(metrics.StageDurationSeconds, time.Since(started).Seconds(), labels)
}
