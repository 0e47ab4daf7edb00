// Package mssql provides a key store on SQL Server via go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/microsoft/go-mssqldb"

	"vaultgen/internal/keystore"
)

func init() {
	keystore.Register("mssql", Open)
}

const schema = `
IF OBJECT_ID('vault_keys', 'U') IS NULL
CREATE TABLE vault_keys (
	entity_type   NVARCHAR(16)  NOT NULL,
	entity_name   NVARCHAR(256) NOT NULL,
	hash_key      NVARCHAR(128) NOT NULL,
	load_date     NVARCHAR(64)  NOT NULL,
	record_source NVARCHAR(256) NOT NULL,
	PRIMARY KEY (entity_type, entity_name, hash_key)
);
IF OBJECT_ID('vault_hashdiffs', 'U') IS NULL
CREATE TABLE vault_hashdiffs (
	id             BIGINT IDENTITY(1,1) PRIMARY KEY,
	satellite_name NVARCHAR(256) NOT NULL,
	owner_hash_key NVARCHAR(128) NOT NULL,
	hashdiff       NVARCHAR(128) NOT NULL,
	load_date      NVARCHAR(64)  NOT NULL,
	INDEX idx_hashdiffs_sat_owner (satellite_name, owner_hash_key)
);
`

// Store is a SQL Server-backed keystore.Store.
type Store struct {
	db *sql.DB
}

// Open connects and ensures the schema exists.
func Open(ctx context.Context, dsn string) (keystore.Store, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "mssql: open")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, mark(errors.Wrap(err, "mssql: ensure schema"))
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
		WHERE entity_type = @p1 AND entity_name = @p2 AND hash_key IN (` + placeholders(3, len(hashKeys)) + `)`
	args := make([]any, 0, len(hashKeys)+2)
	args = append(args, entityType, entityName)
	for _, hk := range hashKeys {
		args = append(args, hk)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mark(errors.Wrap(err, "mssql: lookup keys"))
	}
	defer rows.Close()

	for rows.Next() {
		var hk string
		if err := rows.Scan(&hk); err != nil {
			return nil, errors.Wrap(err, "mssql: scan key")
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

	query := `SELECT owner_hash_key, hashdiff FROM vault_hashdiffs
		WHERE id IN (
			SELECT MAX(id) FROM vault_hashdiffs
			WHERE satellite_name = @p1 AND owner_hash_key IN (` + placeholders(2, len(ownerKeys)) + `)
			GROUP BY owner_hash_key
		)`
	args := make([]any, 0, len(ownerKeys)+1)
	args = append(args, satelliteName)
	for _, ok := range ownerKeys {
		args = append(args, ok)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mark(errors.Wrap(err, "mssql: last hashdiff"))
	}
	defer rows.Close()

	for rows.Next() {
		var owner, diff string
		if err := rows.Scan(&owner, &diff); err != nil {
			return nil, errors.Wrap(err, "mssql: scan hashdiff")
		}
		out[owner] = diff
	}
	return out, mark(rows.Err())
}

// AppendKeys implements keystore.Store. MERGE keeps replays idempotent.
func (s *Store) AppendKeys(ctx context.Context, recs []keystore.KeyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mark(errors.Wrap(err, "mssql: begin"))
	}
	defer tx.Rollback()

	const merge = `MERGE vault_keys AS t
		USING (SELECT @p1 AS entity_type, @p2 AS entity_name, @p3 AS hash_key) AS s
		ON t.entity_type = s.entity_type AND t.entity_name = s.entity_name AND t.hash_key = s.hash_key
		WHEN NOT MATCHED THEN
			INSERT (entity_type, entity_name, hash_key, load_date, record_source)
			VALUES (@p1, @p2, @p3, @p4, @p5);`

	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, merge, r.EntityType, r.EntityName, r.HashKey, r.LoadDate, r.RecordSource); err != nil {
			return mark(errors.Wrapf(err, "mssql: append key %s/%s", r.EntityName, r.HashKey))
		}
	}
	return mark(errors.Wrap(tx.Commit(), "mssql: commit keys"))
}

// AppendHashdiffs implements keystore.Store.
func (s *Store) AppendHashdiffs(ctx context.Context, recs []keystore.HashdiffRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mark(errors.Wrap(err, "mssql: begin"))
	}
	defer tx.Rollback()

	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vault_hashdiffs
			(satellite_name, owner_hash_key, hashdiff, load_date)
			VALUES (@p1, @p2, @p3, @p4)`,
			r.SatelliteName, r.OwnerHashKey, r.Hashdiff, r.LoadDate); err != nil {
			return mark(errors.Wrapf(err, "mssql: append hashdiff %s/%s", r.SatelliteName, r.OwnerHashKey))
		}
	}
	return mark(errors.Wrap(tx.Commit(), "mssql: commit hashdiffs"))
}

// Close implements keystore.Store.
func (s *Store) Close() error { return s.db.Close() }

// placeholders renders "@pN, @pN+1, ..." for count parameters starting at
// index start.
func placeholders(start, count int) string {
	var b strings.Builder
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", start+i)
	}
	return b.String()
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
