// Package sqlite provides a SQLite-backed batch store. Reads are served from the
// embedded in-memory store and fall through to the table on a miss; every
// write is persisted row-by-row before it becomes visible. Updates are guarded
// by the stored revision, so a stale cache fails instead of overwriting.
package sqlite

import (
	"agritrace/internal/infra/persistence/memory"
	"agritrace/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.BatchStore = (*Store)(nil)

const defaultPath = "agritrace.db"

// Store persists batches to a single SQLite table as JSON documents.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and hydrates the in-memory
// state from it.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create batches table: %w", err)
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, memory.WithCommitHook(s.persist))
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT batch_id, payload FROM batches`)
	if err != nil {
		return fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Batches: make(map[string]domain.Batch)}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var b domain.Batch
		if err := json.Unmarshal(payload, &b); err != nil {
			return fmt.Errorf("decode batch %s: %w", id, err)
		}
		snapshot.Batches[id] = b
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate batches: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// Get serves from the cache and reads through to the table on a miss, so
// batches written by another process become visible.
func (s *Store) Get(ctx context.Context, batchID string) (domain.Batch, error) {
	b, err := s.Store.Get(ctx, batchID)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return b, err
	}
	var id string
	var payload []byte
	row := s.db.QueryRowContext(ctx, `SELECT batch_id, payload FROM batches WHERE batch_id = ?`, batchID)
	if scanErr := row.Scan(&id, &payload); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return domain.Batch{}, err
		}
		return domain.Batch{}, domain.Errorf(domain.CodeInternal, "read batch %s: %w", batchID, scanErr)
	}
	var stored domain.Batch
	if err := json.Unmarshal(payload, &stored); err != nil {
		return domain.Batch{}, domain.Errorf(domain.CodeInternal, "decode batch %s: %w", id, err)
	}
	return s.Adopt(stored), nil
}

func (s *Store) persist(ctx context.Context, change memory.Change) error {
	data, err := json.Marshal(change.After)
	if err != nil {
		return err
	}
	id := change.After.BatchID
	if change.Action == domain.ChangeCreate {
		_, err = s.db.ExecContext(ctx, `INSERT INTO batches(batch_id,payload) VALUES(?,?)`, id, data)
		if isUniqueViolation(err) {
			return domain.Errorf(domain.CodeDuplicateBatch, "batch %s already exists", id)
		}
		if err != nil {
			return fmt.Errorf("write batch %s: %w", id, err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET payload=? WHERE batch_id=? AND json_extract(CAST(payload AS TEXT),'$.revision')=?`,
		data, id, change.Before.Revision)
	if err != nil {
		return fmt.Errorf("write batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write batch %s: %w", id, err)
	}
	if n == 0 {
		return domain.Errorf(domain.CodeIllegalTransition, "batch %s changed since revision %d", id, change.Before.Revision)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *moderncsqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
