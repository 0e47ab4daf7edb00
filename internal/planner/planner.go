// Package planner turns a synthesized model plus a batch's computed hash keys
// into an insert-only load plan.
//
// Planning rules:
//   - A hub/link key inserts when absent from the key store, else noop.
//   - A satellite version inserts when its owner key has no prior hashdiff or
//     the stored hashdiff differs; an identical hashdiff is a noop.
//   - Decisions are ordered hubs, then links, then satellites, so referential
//     targets always load before their dependents.
//   - Repeated keys within one batch collapse to one insert; replaying an
//     already-applied batch yields all noops. The plan converges instead of
//     erroring.
//
// Store failures are split by kind: transient (ErrUnavailable) failures are
// retried with backoff and the entity is deferred when retries run out; any
// other store error aborts the plan.
package planner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"vaultgen/internal/config"
	"vaultgen/internal/keystore"
	"vaultgen/internal/model"
)

// Action is a planned outcome for one key or version.
type Action string

const (
	ActionInsert Action = "insert"
	ActionNoop   Action = "noop"
)

// Decision is one planned row-level outcome.
type Decision struct {
	Entity   model.EntityRef `json:"entity"`
	Action   Action          `json:"action"`
	HashKey  string          `json:"hash_key"`
	Hashdiff string          `json:"hashdiff,omitempty"`
	LoadDate string          `json:"load_date"`
}

// EntityLoad is the batch's key set for one hub or link, deduplicated by the
// caller or not; the planner dedupes again.
type EntityLoad struct {
	Ref      model.EntityRef
	HashKeys []string
}

// Version is one satellite payload version observed in the batch.
type Version struct {
	OwnerHashKey string
	Hashdiff     string
}

// SatelliteLoad is the batch's version set for one satellite.
type SatelliteLoad struct {
	Ref      model.EntityRef
	Versions []Version
}

// Load is the planner's complete input for one batch.
type Load struct {
	BatchID      string
	RecordSource string
	LoadDate     time.Time
	Hubs         []EntityLoad
	Links        []EntityLoad
	Satellites   []SatelliteLoad
}

// Plan is the emitted load plan.
type Plan struct {
	BatchID      string     `json:"batch_id"`
	RecordSource string     `json:"record_source"`
	GeneratedAt  time.Time  `json:"generated_at"`
	Decisions    []Decision `json:"decisions"`
	// Deferred lists entities skipped after exhausting key-store retries.
	// Their keys are absent from Decisions and must replan in a later batch.
	Deferred []model.EntityRef `json:"deferred,omitempty"`
	Inserts  int               `json:"inserts"`
	Noops    int               `json:"noops"`
}

// Planner plans batches against one key store.
type Planner struct {
	store keystore.Store
	cfg   config.PlannerConfig
	log   *zap.Logger
}

// New returns a Planner. A nil logger disables logging.
func New(store keystore.Store, cfg config.PlannerConfig, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Planner{store: store, cfg: cfg, log: log}
}

// Plan builds the load plan for one batch.
//
// Errors:
//   - Returns the first non-transient store error; the plan is then invalid.
//   - Transient store failures never error: the affected entity lands in
//     Deferred instead.
func (p *Planner) Plan(ctx context.Context, load Load) (Plan, error) {
	plan := Plan{
		BatchID:      load.BatchID,
		RecordSource: load.RecordSource,
		GeneratedAt:  time.Now().UTC(),
	}
	loadDate := load.LoadDate.UTC().Format(time.RFC3339)

	hubDecisions, hubDeferred, err := p.planEntities(ctx, load.Hubs, loadDate, load.RecordSource)
	if err != nil {
		return plan, err
	}
	linkDecisions, linkDeferred, err := p.planEntities(ctx, load.Links, loadDate, load.RecordSource)
	if err != nil {
		return plan, err
	}
	satDecisions, satDeferred, err := p.planSatellites(ctx, load.Satellites, loadDate)
	if err != nil {
		return plan, err
	}

	plan.Decisions = append(plan.Decisions, hubDecisions...)
	plan.Decisions = append(plan.Decisions, linkDecisions...)
	plan.Decisions = append(plan.Decisions, satDecisions...)
	plan.Deferred = append(plan.Deferred, hubDeferred...)
	plan.Deferred = append(plan.Deferred, linkDeferred...)
	plan.Deferred = append(plan.Deferred, satDeferred...)

	for _, d := range plan.Decisions {
		switch d.Action {
		case ActionInsert:
			plan.Inserts++
		case ActionNoop:
			plan.Noops++
		}
	}

	p.log.Info("plan built",
		zap.String("batch_id", load.BatchID),
		zap.Int("inserts", plan.Inserts),
		zap.Int("noops", plan.Noops),
		zap.Int("deferred", len(plan.Deferred)),
	)
	return plan, nil
}

// entityResult carries one entity's planning outcome out of the worker pool.
type entityResult struct {
	idx       int
	decisions []Decision
	deferred  bool
	err       error
}

// planEntities plans hubs or links with a bounded worker pool. Output order
// follows input order regardless of completion order.
func (p *Planner) planEntities(ctx context.Context, loads []EntityLoad, loadDate, recordSource string) ([]Decision, []model.EntityRef, error) {
	if len(loads) == 0 {
		return nil, nil, nil
	}

	jobs := make(chan int)
	results := make([]entityResult, len(loads))
	var wg sync.WaitGroup

	workers := p.cfg.Workers
	if workers > len(loads) {
		workers = len(loads)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				res := entityResult{idx: idx}
				res.decisions, res.deferred, res.err = p.planOne(ctx, loads[idx], loadDate, recordSource)
				results[idx] = res
			}
		}()
	}

	for i := range loads {
		select {
		case jobs <- i:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, nil, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	var decisions []Decision
	var deferred []model.EntityRef
	for _, res := range results {
		if res.err != nil {
			return nil, nil, res.err
		}
		if res.deferred {
			deferred = append(deferred, loads[res.idx].Ref)
			continue
		}
		decisions = append(decisions, res.decisions...)
	}
	return decisions, deferred, nil
}

// planOne plans one hub or link. deferred=true means retries were exhausted
// on a transient failure; the entity is reported, not failed.
func (p *Planner) planOne(ctx context.Context, load EntityLoad, loadDate, recordSource string) ([]Decision, bool, error) {
	keys := dedupe(load.HashKeys)
	if len(keys) == 0 {
		return nil, false, nil
	}

	var existing map[string]bool
	err := p.withRetry(ctx, load.Ref, func() error {
		var lookErr error
		existing, lookErr = p.store.LookupKeys(ctx, string(load.Ref.Kind), load.Ref.Name, keys)
		return lookErr
	})
	if err != nil {
		if errors.Is(err, keystore.ErrUnavailable) {
			p.log.Warn("entity deferred",
				zap.String("entity", load.Ref.Name),
				zap.Error(err),
			)
			return nil, true, nil
		}
		return nil, false, err
	}

	decisions := make([]Decision, 0, len(keys))
	var inserts []keystore.KeyRecord
	for _, hk := range keys {
		action := ActionInsert
		if existing[hk] {
			action = ActionNoop
		} else {
			inserts = append(inserts, keystore.KeyRecord{
				EntityType:   string(load.Ref.Kind),
				EntityName:   load.Ref.Name,
				HashKey:      hk,
				LoadDate:     loadDate,
				RecordSource: recordSource,
			})
		}
		decisions = append(decisions, Decision{
			Entity:   load.Ref,
			Action:   action,
			HashKey:  hk,
			LoadDate: loadDate,
		})
	}

	if len(inserts) > 0 {
		err := p.withRetry(ctx, load.Ref, func() error {
			return p.store.AppendKeys(ctx, inserts)
		})
		if err != nil {
			if errors.Is(err, keystore.ErrUnavailable) {
				return nil, true, nil
			}
			return nil, false, err
		}
	}
	return decisions, false, nil
}

// planSatellites plans satellite versions sequentially; satellite counts are
// small relative to their key volume and the store round-trips dominate.
func (p *Planner) planSatellites(ctx context.Context, loads []SatelliteLoad, loadDate string) ([]Decision, []model.EntityRef, error) {
	var decisions []Decision
	var deferred []model.EntityRef

	for _, load := range loads {
		versions := dedupeVersions(load.Versions)
		if len(versions) == 0 {
			continue
		}

		ownerKeys := make([]string, 0, len(versions))
		seen := map[string]struct{}{}
		for _, v := range versions {
			if _, ok := seen[v.OwnerHashKey]; ok {
				continue
			}
			seen[v.OwnerHashKey] = struct{}{}
			ownerKeys = append(ownerKeys, v.OwnerHashKey)
		}

		var last map[string]string
		err := p.withRetry(ctx, load.Ref, func() error {
			var lookErr error
			last, lookErr = p.store.LastHashdiff(ctx, load.Ref.Name, ownerKeys)
			return lookErr
		})
		if err != nil {
			if errors.Is(err, keystore.ErrUnavailable) {
				p.log.Warn("satellite deferred",
					zap.String("satellite", load.Ref.Name),
					zap.Error(err),
				)
				deferred = append(deferred, load.Ref)
				continue
			}
			return nil, nil, err
		}

		satDecisions := make([]Decision, 0, len(versions))
		var inserts []keystore.HashdiffRecord
		for _, v := range versions {
			action := ActionInsert
			if prev, ok := last[v.OwnerHashKey]; ok && prev == v.Hashdiff {
				action = ActionNoop
			} else {
				inserts = append(inserts, keystore.HashdiffRecord{
					SatelliteName: load.Ref.Name,
					OwnerHashKey:  v.OwnerHashKey,
					Hashdiff:      v.Hashdiff,
					LoadDate:      loadDate,
				})
				// Later versions of the same owner in this batch compare
				// against what this batch just planned.
				if last == nil {
					last = map[string]string{}
				}
				last[v.OwnerHashKey] = v.Hashdiff
			}
			satDecisions = append(satDecisions, Decision{
				Entity:   load.Ref,
				Action:   action,
				HashKey:  v.OwnerHashKey,
				Hashdiff: v.Hashdiff,
				LoadDate: loadDate,
			})
		}

		// Decisions are held back until the appends land: a deferred satellite
		// must not leave inserts in the plan, or the replan would duplicate
		// versions the store never recorded.
		if len(inserts) > 0 {
			err := p.withRetry(ctx, load.Ref, func() error {
				return p.store.AppendHashdiffs(ctx, inserts)
			})
			if err != nil {
				if errors.Is(err, keystore.ErrUnavailable) {
					p.log.Warn("satellite deferred",
						zap.String("satellite", load.Ref.Name),
						zap.Error(err),
					)
					deferred = append(deferred, load.Ref)
					continue
				}
				return nil, nil, err
			}
		}
		decisions = append(decisions, satDecisions...)
	}
	return decisions, deferred, nil
}

// withRetry runs fn, retrying transient failures up to the configured count
// with linear backoff. The last error is returned when retries run out.
func (p *Planner) withRetry(ctx context.Context, ref model.EntityRef, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, keystore.ErrUnavailable) {
			return err
		}
		if attempt >= p.cfg.MaxRetries {
			return err
		}

		delay := p.cfg.RetryBackoff * time.Duration(attempt+1)
		p.log.Debug("key store retry",
			zap.String("entity", ref.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dedupe returns the sorted distinct keys; order must not depend on record
// arrival order.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// dedupeVersions collapses exact (owner, hashdiff) repeats, keeping first
// occurrence order for distinct versions of the same owner.
func dedupeVersions(versions []Version) []Version {
	seen := make(map[Version]struct{}, len(versions))
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		if v.OwnerHashKey == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OwnerHashKey < out[j].OwnerHashKey })
	return out
}
