// Package postgres provides a key store on PostgreSQL via pgx, for
// deployments keeping planning state next to the warehouse.
package postgres

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vaultgen/internal/keystore"
)

func init() {
	keystore.Register("postgres", Open)
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_keys (
	entity_type   TEXT NOT NULL,
	entity_name   TEXT NOT NULL,
	hash_key      TEXT NOT NULL,
	load_date     TEXT NOT NULL,
	record_source TEXT NOT NULL,
	PRIMARY KEY (entity_type, entity_name, hash_key)
);
CREATE TABLE IF NOT EXISTS vault_hashdiffs (
	id             BIGSERIAL PRIMARY KEY,
	satellite_name TEXT NOT NULL,
	owner_hash_key TEXT NOT NULL,
	hashdiff       TEXT NOT NULL,
	load_date      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hashdiffs_sat_owner
	ON vault_hashdiffs (satellite_name, owner_hash_key);
`

// Store is a PostgreSQL-backed keystore.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects and ensures the schema exists.
func Open(ctx context.Context, dsn string) (keystore.Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: open")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, mark(errors.Wrap(err, "postgres: ensure schema"))
	}
	return &Store{pool: pool}, nil
}

// LookupKeys implements keystore.Store.
func (s *Store) LookupKeys(ctx context.Context, entityType, entityName string, hashKeys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashKeys))
	if len(hashKeys) == 0 {
		return out, nil
	}
	for _, hk := range hashKeys {
		out[hk] = false
	}

	rows, err := s.pool.Query(ctx, `SELECT hash_key FROM vault_keys
		WHERE entity_type = $1 AND entity_name = $2 AND hash_key = ANY($3)`,
		entityType, entityName, hashKeys)
	if err != nil {
		return nil, mark(errors.Wrap(err, "postgres: lookup keys"))
	}
	defer rows.Close()

	for rows.Next() {
		var hk string
		if err := rows.Scan(&hk); err != nil {
			return nil, errors.Wrap(err, "postgres: scan key")
		}
		out[hk] = true
	}
	return out, mark(rows.Err())
}

// LastHashdiff implements keystore.Store.
func (s *Store) LastHashdiff(ctx context.Context, satelliteName string, ownerKeys []string) (map[string]string, error) {
	out := map[string]string{}
	if len(ownerKeys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ON (owner_hash_key) owner_hash_key, hashdiff
		FROM vault_hashdiffs
		WHERE satellite_name = $1 AND owner_hash_key = ANY($2)
		ORDER BY owner_hash_key, id DESC`,
		satelliteName, ownerKeys)
	if err != nil {
		return nil, mark(errors.Wrap(err, "postgres: last hashdiff"))
	}
	defer rows.Close()

	for rows.Next() {
		var owner, diff string
		if err := rows.Scan(&owner, &diff); err != nil {
			return nil, errors.Wrap(err, "postgres: scan hashdiff")
		}
		out[owner] = diff
	}
	return out, mark(rows.Err())
}

// AppendKeys implements keystore.Store. ON CONFLICT DO NOTHING keeps replays
// idempotent.
func (s *Store) AppendKeys(ctx context.Context, recs []keystore.KeyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`INSERT INTO vault_keys
			(entity_type, entity_name, hash_key, load_date, record_source)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			r.EntityType, r.EntityName, r.HashKey, r.LoadDate, r.RecordSource)
	}
	return mark(errors.Wrap(s.pool.SendBatch(ctx, batch).Close(), "postgres: append keys"))
}

// AppendHashdiffs implements keystore.Store.
func (s *Store) AppendHashdiffs(ctx context.Context, recs []keystore.HashdiffRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`INSERT INTO vault_hashdiffs
			(satellite_name, owner_hash_key, hashdiff, load_date)
			VALUES ($1, $2, $3, $4)`,
			r.SatelliteName, r.OwnerHashKey, r.Hashdiff, r.LoadDate)
	}
	return mark(errors.Wrap(s.pool.SendBatch(ctx, batch).Close(), "postgres: append hashdiffs"))
}

// Close implements keystore.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mark tags transient failures (network, timeout) as ErrUnavailable so the
// planner retries instead of aborting.
func mark(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(err, keystore.ErrUnavailable)
	}
	return err
}
