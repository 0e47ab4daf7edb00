// Package keystore abstracts the persistent hash-key inventory the planner
// consults: which hub/link hash keys already exist, and the latest hashdiff
// per satellite owner key.
//
// Backends register themselves by driver name via Register; New resolves a
// DSN-style spec to a backend. The planner treats the store as append-only:
// keys and hashdiffs are recorded, never updated or deleted.
//
// When to use which backend:
//   - "memory" for tests and single-run planning without persistence.
//   - "sqlite" for local or embedded planning state.
//   - "postgres" / "mssql" when the inventory lives next to the warehouse.
package keystore

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnavailable marks transient store failures (connection refused, timeout).
// The planner retries these and defers the entity when retries are exhausted;
// any other error aborts the plan.
var ErrUnavailable = errors.New("key store unavailable")

// KeyRecord is one persisted hash key.
type KeyRecord struct {
	// EntityType is "hub", "link" or "satellite".
	EntityType string
	// EntityName is the emitted entity name, e.g. "hub_customer_id".
	EntityName   string
	HashKey      string
	LoadDate     string
	RecordSource string
}

// HashdiffRecord is the latest change digest for one owner key within one
// satellite.
type HashdiffRecord struct {
	SatelliteName string
	OwnerHashKey  string
	Hashdiff      string
	LoadDate      string
}

// Store is the planner's view of the key inventory. Implementations must be
// safe for concurrent use; the planner fans out per entity.
type Store interface {
	// LookupKeys reports which of hashKeys already exist for the entity.
	LookupKeys(ctx context.Context, entityType, entityName string, hashKeys []string) (map[string]bool, error)

	// LastHashdiff returns the most recent hashdiff per owner key for one
	// satellite. Keys absent from the result have no prior version.
	LastHashdiff(ctx context.Context, satelliteName string, ownerKeys []string) (map[string]string, error)

	// AppendKeys records new hash keys. Re-appending an existing key is a
	// no-op, so replayed batches converge instead of erroring.
	AppendKeys(ctx context.Context, recs []KeyRecord) error

	// AppendHashdiffs records new satellite versions.
	AppendHashdiffs(ctx context.Context, recs []HashdiffRecord) error

	Close() error
}

// Factory builds a Store from a backend-specific DSN.
type Factory func(ctx context.Context, dsn string) (Store, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend factory under a driver name.
//
// Edge cases:
//   - name must be non-empty, f non-nil.
//   - Registering the same name twice panics, to fail fast on import-order
//     mistakes.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if name == "" {
		panic("keystore: Register called with empty name")
	}
	if f == nil {
		panic("keystore: Register called with nil factory")
	}
	if _, exists := factories[name]; exists {
		panic("keystore: backend already registered: " + name)
	}
	factories[name] = f
}

// New resolves a registered backend by driver name.
//
// Errors:
//   - Returns an error for an unknown driver; the message lists what is
//     registered so misconfiguration is diagnosable from the log line alone.
func New(ctx context.Context, driver, dsn string) (Store, error) {
	regMu.RLock()
	f := factories[driver]
	regMu.RUnlock()

	if f == nil {
		return nil, errors.Newf("keystore: unknown backend %q (registered: %s)", driver, registered())
	}
	return f(ctx, dsn)
}

func registered() string {
	regMu.RLock()
	defer regMu.RUnlock()

	out := ""
	for name := range factories {
		if out != "" {
			out += ", "
		}
		out += name
	}
	return out
}
