// Package postgres provides a Postgres-backed batch store that mirrors the
// in-memory semantics and writes each changed batch row before publishing it.
// Cache misses read through to the table and updates are guarded by the
// stored revision.
package postgres

import (
	"agritrace/internal/infra/persistence/memory"
	"agritrace/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// uniqueViolation is the SQLSTATE for a unique or primary key conflict.
const uniqueViolation = "23505"

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.BatchStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with config defaults while allowing overrides.
	defaultDSN = "postgres://localhost/agritrace?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists batches to Postgres while reusing the in-memory implementation for reads.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the batches table exists and hydrates the in-memory store from it.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureBatchTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	s.Store = memory.NewStore(engine, memory.WithCommitHook(s.persist))
	s.ImportState(snapshot)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func ensureBatchTable(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS batches_status_idx ON batches ((payload->>'status'))`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure batches table: %w", err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT batch_id, payload FROM batches`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{Batches: make(map[string]domain.Batch)}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan batch: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		var b domain.Batch
		if err := json.Unmarshal(payload, &b); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode batch %s: %w", id, err)
		}
		snapshot.Batches[id] = b
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate batches: %w", err)
	}
	return snapshot, nil
}

// Get serves from the cache and reads through to the table on a miss.
func (s *Store) Get(ctx context.Context, batchID string) (domain.Batch, error) {
	b, err := s.Store.Get(ctx, batchID)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return b, err
	}
	var id string
	var payload []byte
	row := s.db.QueryRowContext(ctx, `SELECT batch_id, payload FROM batches WHERE batch_id = $1`, batchID)
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
		_, err = s.db.ExecContext(ctx, `INSERT INTO batches (batch_id, payload) VALUES ($1, $2)`, id, data)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Errorf(domain.CodeDuplicateBatch, "batch %s already exists", id)
		}
		if err != nil {
			return fmt.Errorf("write batch %s: %w", id, err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET payload = $1 WHERE batch_id = $2 AND (payload->>'revision')::bigint = $3`,
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

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
