// Package sqlite provides a file-backed key store on modernc.org/sqlite
// (pure Go, no cgo). Suitable for local and embedded planning state.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"vaultgen/internal/keystore"
)

func init() {
	keystore.Register("sqlite", Open)
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
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	satellite_name TEXT NOT NULL,
	owner_hash_key TEXT NOT NULL,
	hashdiff       TEXT NOT NULL,
	load_date      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hashdiffs_sat_owner
	ON vault_hashdiffs (satellite_name, owner_hash_key);
`

// Store is a sqlite-backed keystore.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at the DSN path and ensures
// the schema exists.
func Open(ctx context.Context, dsn string) (keystore.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite: ensure schema")
	}
	return &Store{db: db}, nil
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

	query := `SELECT hash_key FROM vault_keys
		WHERE entity_type = ? AND entity_name = ? AND hash_key IN (` + placeholders(len(hashKeys)) + `)`
	args := make([]any, 0, len(hashKeys)+2)
	args = append(args, entityType, entityName)
	for _, hk := range hashKeys {
		args = append(args, hk)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: lookup keys")
	}
	defer rows.Close()

	for rows.Next() {
		var hk string
		if err := rows.Scan(&hk); err != nil {
			return nil, errors.Wrap(err, "sqlite: scan key")
		}
		out[hk] = true
	}
	return out, rows.Err()
}

// LastHashdiff implements keystore.Store. Latest is by insertion order, which
// matches load order for an append-only store.
func (s *Store) LastHashdiff(ctx context.Context, satelliteName string, ownerKeys []string) (map[string]string, error) {
	out := map[string]string{}
	if len(ownerKeys) == 0 {
		return out, nil
	}

	query := `SELECT owner_hash_key, hashdiff FROM vault_hashdiffs
		WHERE id IN (
			SELECT MAX(id) FROM vault_hashdiffs
			WHERE satellite_name = ? AND owner_hash_key IN (` + placeholders(len(ownerKeys)) + `)
			GROUP BY owner_hash_key
		)`
	args := make([]any, 0, len(ownerKeys)+1)
	args = append(args, satelliteName)
	for _, ok := range ownerKeys {
		args = append(args, ok)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: last hashdiff")
	}
	defer rows.Close()

	for rows.Next() {
		var owner, diff string
		if err := rows.Scan(&owner, &diff); err != nil {
			return nil, errors.Wrap(err, "sqlite: scan hashdiff")
		}
		out[owner] = diff
	}
	return out, rows.Err()
}

// AppendKeys implements keystore.Store. INSERT OR IGNORE keeps replays
// idempotent.
func (s *Store) AppendKeys(ctx context.Context, recs []keystore.KeyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO vault_keys
		(entity_type, entity_name, hash_key, load_date, record_source)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "sqlite: prepare append keys")
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.EntityType, r.EntityName, r.HashKey, r.LoadDate, r.RecordSource); err != nil {
			return errors.Wrapf(err, "sqlite: append key %s/%s", r.EntityName, r.HashKey)
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite: commit keys")
}

// AppendHashdiffs implements keystore.Store.
func (s *Store) AppendHashdiffs(ctx context.Context, recs []keystore.HashdiffRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vault_hashdiffs
		(satellite_name, owner_hash_key, hashdiff, load_date)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "sqlite: prepare append hashdiffs")
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.SatelliteName, r.OwnerHashKey, r.Hashdiff, r.LoadDate); err != nil {
			return errors.Wrapf(err, "sqlite: append hashdiff %s/%s", r.SatelliteName, r.OwnerHashKey)
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite: commit hashdiffs")
}

// Close implements keystore.Store.
func (s *Store) Close() error { return s.db.Close() }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
