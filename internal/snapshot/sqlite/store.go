// Package sqlite provides a SQLite-backed snapshot store so the offline shell
// survives gateway restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"shellgate/internal/snapshot"
	"shellgate/internal/snapshot/sqlite/migrations"

	_ "modernc.org/sqlite"
)

type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Open(ctx context.Context, version string) (snapshot.Snapshot, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, fmt.Errorf("snapshot version is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO snapshots (version, created_at) VALUES (?, ?)`,
		version, toMillis(time.Now()),
	); err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", version, err)
	}
	return &sqliteSnapshot{db: s.sqlDB, version: version}, nil
}

func (s *Store) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT version FROM snapshots ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan snapshot version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Delete removes a version together with all of its entries.
func (s *Store) Delete(ctx context.Context, version string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_entries WHERE version = ?`, version); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete entries of %s: %w", version, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE version = ?`, version)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete snapshot %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete %s: %w", version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type sqliteSnapshot struct {
	db      *sql.DB
	version string
}

func (s *sqliteSnapshot) Version() string { return s.version }

func (s *sqliteSnapshot) Match(ctx context.Context, key string) (*snapshot.Response, error) {
	var (
		status     int
		headerJSON string
		body       []byte
		storedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, header_json, body, stored_at
		   FROM snapshot_entries
		  WHERE version = ? AND request_key = ?`,
		s.version, key,
	).Scan(&status, &headerJSON, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}

	header := make(http.Header)
	if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
		return nil, fmt.Errorf("decode header of %s: %w", key, err)
	}
	return &snapshot.Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
		StoredAt:   fromMillis(storedAt),
	}, nil
}

func (s *sqliteSnapshot) Put(ctx context.Context, key string, resp *snapshot.Response) error {
	if resp == nil {
		return fmt.Errorf("put %q: nil response", key)
	}
	headerJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header of %s: %w", key, err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshot_entries (version, request_key, status_code, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (version, request_key) DO UPDATE SET
		   status_code = excluded.status_code,
		   header_json = excluded.header_json,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		s.version, key, resp.StatusCode, string(headerJSON), body, toMillis(storedAt),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *sqliteSnapshot) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshot_entries WHERE version = ? AND request_key = ?`,
		s.version, key,
	)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteSnapshot) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_key FROM snapshot_entries WHERE version = ? ORDER BY request_key`,
		s.version,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", s.version, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
