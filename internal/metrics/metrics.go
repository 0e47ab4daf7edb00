// Package metrics defines the minimal metrics surface the engine emits to.
//
// The core pipeline depends only on Backend; concrete exporters live in
// subpackages and are selected at wiring time. Unknown metric names are
// ignored by backends, so the core can emit freely without version coupling.
package metrics

// Labels are metric dimension key/values.
type Labels map[string]string

// Metric names emitted by the engine. Backends switch on these; anything else
// is dropped.
const (
	// StageTotal counts stage completions. Labels: stage, status.
	StageTotal = "vaultgen_stage_total"
	// TablesTotal counts tables processed. Labels: status (modeled|skipped).
	TablesTotal = "vaultgen_tables_total"
	// EntitiesTotal counts synthesized entities. Labels: kind.
	EntitiesTotal = "vaultgen_entities_total"
	// PIIColumnsTotal counts regulated columns found. Labels: category.
	PIIColumnsTotal = "vaultgen_pii_columns_total"
	// PlanDecisionsTotal counts plan decisions. Labels: action.
	PlanDecisionsTotal = "vaultgen_plan_decisions_total"
	// StageDurationSeconds observes stage latency. Labels: stage, status.
	StageDurationSeconds = "vaultgen_stage_duration_seconds"
)

// Backend receives engine metrics. Implementations must be safe for
// concurrent use; the pipeline emits from worker goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)

	// Flush submits buffered metrics now. Optional for backends that export
	// synchronously.
	Flush() error

	// Close flushes and releases resources. The backend is unusable after.
	Close() error
}

// Noop discards all metrics. The default when no exporter is configured.
type Noop struct{}

func (Noop) IncCounter(string, float64, Labels)       {}
func (Noop) ObserveHistogram(string, float64, Labels) {}
func (Noop) Flush() error                             { return nil }
func (Noop) Close() error                             { return nil }

var _ Backend = Noop{}
