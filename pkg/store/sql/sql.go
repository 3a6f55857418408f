// Package sqlstore keeps selection counts and prefetch cache entries in a
// relational database. MySQL and SQLite differ only in DDL and upsert syntax.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) (*Store, error) {
	switch dialect {
	case MySQL, SQLite:
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialect)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case MySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS feed_tracking (
  item_id VARCHAR(191) NOT NULL PRIMARY KEY,
  count BIGINT NOT NULL DEFAULT 0,
  last_ms BIGINT NOT NULL DEFAULT 0
)`,
			`CREATE TABLE IF NOT EXISTS feed_blob (
  k VARCHAR(191) NOT NULL PRIMARY KEY,
  v LONGBLOB NOT NULL,
  updated_ms BIGINT NOT NULL DEFAULT 0
)`,
		}
	case SQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS feed_tracking (
  item_id TEXT NOT NULL PRIMARY KEY,
  count INTEGER NOT NULL DEFAULT 0,
  last_ms INTEGER NOT NULL DEFAULT 0
)`,
			`CREATE TABLE IF NOT EXISTS feed_blob (
  k TEXT NOT NULL PRIMARY KEY,
  v BLOB NOT NULL,
  updated_ms INTEGER NOT NULL DEFAULT 0
)`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlstore migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) GetAll(ctx context.Context) (map[string]feed.TrackingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id, count, last_ms FROM feed_tracking`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]feed.TrackingRecord)
	for rows.Next() {
		var (
			rec feed.TrackingRecord
			ms  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Count, &ms); err != nil {
			return nil, err
		}
		if ms > 0 {
			rec.Last = time.UnixMilli(ms)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// IncrementBatch upserts count = count + 1 for every id in one transaction.
// The increment happens in the database, so concurrent writers add up.
func (s *Store) IncrementBatch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q := `
INSERT INTO feed_tracking (item_id, count, last_ms)
VALUES (?, 1, ?)
ON CONFLICT(item_id) DO UPDATE SET count = count + 1, last_ms = excluded.last_ms
`
	if s.dialect == MySQL {
		q = `
INSERT INTO feed_tracking (item_id, count, last_ms)
VALUES (?, 1, ?)
ON DUPLICATE KEY UPDATE count = count + 1, last_ms = VALUES(last_ms)
`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ms := at.UnixMilli()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, ms); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Prune(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_tracking WHERE item_id IN (`+placeholders(len(ids))+`)`, args(ids)...)
	return err
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM feed_blob WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Write(ctx context.Context, key string, val []byte) error {
	q := `
INSERT INTO feed_blob (k, v, updated_ms) VALUES (?, ?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_ms = excluded.updated_ms
`
	if s.dialect == MySQL {
		q = `
INSERT INTO feed_blob (k, v, updated_ms) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE v = VALUES(v), updated_ms = VALUES(updated_ms)
`
	}
	_, err := s.db.ExecContext(ctx, q, key, val, time.Now().UnixMilli())
	return err
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_blob WHERE k IN (`+placeholders(len(keys))+`)`, args(keys)...)
	return err
}

func (s *Store) Has(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT k FROM feed_blob WHERE k IN (`+placeholders(len(keys))+`)`, args(keys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = true
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
