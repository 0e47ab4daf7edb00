// Package memory provides an in-process key store for tests and single-run
// planning. State lives for the lifetime of the Store; Close discards it.
package memory

import (
	"context"
	"sync"

	"vaultgen/internal/keystore"
)

func init() {
	keystore.Register("memory", func(ctx context.Context, dsn string) (keystore.Store, error) {
		return New(), nil
	})
}

// Store is an in-memory keystore.Store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	keys      map[string]struct{}                 // entityType|entityName|hashKey
	hashdiffs map[string]map[string]hashdiffEntry // satellite -> owner key -> latest
}

type hashdiffEntry struct {
	hashdiff string
	loadDate string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		keys:      map[string]struct{}{},
		hashdiffs: map[string]map[string]hashdiffEntry{},
	}
}

func keyID(entityType, entityName, hashKey string) string {
	return entityType + "|" + entityName + "|" + hashKey
}

// LookupKeys implements keystore.Store.
func (s *Store) LookupKeys(ctx context.Context, entityType, entityName string, hashKeys []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(hashKeys))
	for _, hk := range hashKeys {
		_, exists := s.keys[keyID(entityType, entityName, hk)]
		out[hk] = exists
	}
	return out, nil
}

// LastHashdiff implements keystore.Store.
func (s *Store) LastHashdiff(ctx context.Context, satelliteName string, ownerKeys []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]string{}
	sat := s.hashdiffs[satelliteName]
	if sat == nil {
		return out, nil
	}
	for _, ok := range ownerKeys {
		if e, found := sat[ok]; found {
			out[ok] = e.hashdiff
		}
	}
	return out, nil
}

// AppendKeys implements keystore.Store. Existing keys are silently kept.
func (s *Store) AppendKeys(ctx context.Context, recs []keystore.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recs {
		s.keys[keyID(r.EntityType, r.EntityName, r.HashKey)] = struct{}{}
	}
	return nil
}

// AppendHashdiffs implements keystore.Store. The latest append per owner key
// wins.
func (s *Store) AppendHashdiffs(ctx context.Context, recs []keystore.HashdiffRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recs {
		sat := s.hashdiffs[r.SatelliteName]
		if sat == nil {
			sat = map[string]hashdiffEntry{}
			s.hashdiffs[r.SatelliteName] = sat
		}
		sat[r.OwnerHashKey] = hashdiffEntry{hashdiff: r.Hashdiff, loadDate: r.LoadDate}
	}
	return nil
}

// Close implements keystore.Store.
func (s *Store) Close() error { return nil }
