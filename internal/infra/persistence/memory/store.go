// Package memory provides an in-memory implementation of the batch store used
// for tests, ephemeral environments, and as the write path of the SQL drivers.
package memory

import (
	"agritrace/pkg/domain"
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.BatchStore = (*Store)(nil)

type (
	// Batch aliases domain.Batch for in-memory persistence operations.
	Batch = domain.Batch
	// Change aliases domain.Change captured on every write.
	Change = domain.Change
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
)

// CommitFunc durably records a change before it becomes visible in memory.
// Returning an error aborts the write.
type CommitFunc func(ctx context.Context, change Change) error

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Batches map[string]Batch `json:"batches"`
}

// Store provides an in-memory transactional store for batches. Every write runs
// under a single mutex, so each batch update is atomic and linearized.
type Store struct {
	mu      sync.RWMutex
	batches map[string]Batch
	indexes map[domain.IndexName]map[string]map[string]struct{}
	engine  *RulesEngine
	nowFn   func() time.Time
	commit  CommitFunc
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithCommitHook installs a durable write-ahead hook.
func WithCommitHook(fn CommitFunc) Option {
	return func(s *Store) { s.commit = fn }
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		batches: make(map[string]Batch),
		indexes: newIndexes(),
		engine:  engine,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newIndexes() map[domain.IndexName]map[string]map[string]struct{} {
	return map[domain.IndexName]map[string]map[string]struct{}{
		domain.IndexFarmer:    {},
		domain.IndexCertifier: {},
		domain.IndexRetailer:  {},
		domain.IndexStatus:    {},
	}
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Batches: make(map[string]Batch, len(s.batches))}
	for id, b := range s.batches {
		out.Batches[id] = b.Clone()
	}
	return out
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = make(map[string]Batch, len(snapshot.Batches))
	s.indexes = newIndexes()
	for id, b := range snapshot.Batches {
		s.batches[id] = b.Clone()
		s.index(b)
	}
}

// Len reports the number of stored batches.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

// stateView overlays a pending batch on the committed state for rule evaluation.
type stateView struct {
	batches map[string]Batch
	pending *Batch
}

func (v stateView) FindBatch(id string) (Batch, bool) {
	if v.pending != nil && v.pending.BatchID == id {
		return v.pending.Clone(), true
	}
	b, ok := v.batches[id]
	if !ok {
		return Batch{}, false
	}
	return b.Clone(), true
}

// Insert stores a new batch. The map key check happens under the write lock,
// making it the only uniqueness arbiter.
func (s *Store) Insert(ctx context.Context, batch Batch) (Batch, error) {
	if strings.TrimSpace(batch.BatchID) == "" {
		return Batch{}, domain.Errorf(domain.CodeInvalidInput, "batch id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.BatchID]; exists {
		return Batch{}, domain.Errorf(domain.CodeDuplicateBatch, "batch %s already exists", batch.BatchID)
	}
	created := batch.Clone()
	now := s.nowFn()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	created.Revision = 1

	change := Change{Entity: domain.EntityBatch, Action: domain.ChangeCreate, After: &created}
	if err := s.apply(ctx, change); err != nil {
		return Batch{}, err
	}
	return created.Clone(), nil
}

// Get returns a copy of the stored batch.
func (s *Store) Get(_ context.Context, batchID string) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return Batch{}, domain.Errorf(domain.CodeNotFound, "batch %s not found", batchID)
	}
	return b.Clone(), nil
}

// Adopt caches a batch read from durable storage without running rules or the
// commit hook. An already cached batch wins.
func (s *Store) Adopt(batch Batch) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.batches[batch.BatchID]; ok {
		return existing.Clone()
	}
	s.batches[batch.BatchID] = batch.Clone()
	s.index(batch)
	return batch.Clone()
}

// UpdateFields applies the update and history entry as one unit.
func (s *Store) UpdateFields(ctx context.Context, batchID string, update domain.BatchUpdate, entry *domain.HistoryEntry) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, ok := s.batches[batchID]
	if !ok {
		return Batch{}, domain.Errorf(domain.CodeNotFound, "batch %s not found", batchID)
	}
	after, err := domain.ApplyUpdate(before, update, entry, s.nowFn())
	if err != nil {
		return Batch{}, err
	}
	prior := before.Clone()
	change := Change{Entity: domain.EntityBatch, Action: domain.ChangeUpdate, Before: &prior, After: &after}
	if err := s.apply(ctx, change); err != nil {
		return Batch{}, err
	}
	return after.Clone(), nil
}

// apply evaluates rules, runs the commit hook, then publishes the change.
// Callers hold the write lock.
func (s *Store) apply(ctx context.Context, change Change) error {
	view := stateView{batches: s.batches, pending: change.After}
	if _, err := s.engine.Check(ctx, view, []Change{change}); err != nil {
		return domain.Errorf(domain.CodeIllegalTransition, "batch %s: %w", change.After.BatchID, err)
	}
	if s.commit != nil {
		if err := s.commit(ctx, change); err != nil {
			var coded *domain.Error
			if errors.As(err, &coded) {
				return err
			}
			return domain.Errorf(domain.CodeInternal, "persist batch %s: %w", change.After.BatchID, err)
		}
	}
	if change.Before != nil {
		s.unindex(*change.Before)
	}
	s.batches[change.After.BatchID] = change.After.Clone()
	s.index(*change.After)
	return nil
}

func (s *Store) index(b Batch) {
	for name, idx := range s.indexes {
		value := b.IndexValue(name)
		if value == "" {
			continue
		}
		ids, ok := idx[value]
		if !ok {
			ids = make(map[string]struct{})
			idx[value] = ids
		}
		ids[b.BatchID] = struct{}{}
	}
}

func (s *Store) unindex(b Batch) {
	for name, idx := range s.indexes {
		value := b.IndexValue(name)
		ids, ok := idx[value]
		if !ok {
			continue
		}
		delete(ids, b.BatchID)
		if len(ids) == 0 {
			delete(idx, value)
		}
	}
}

// ListByIndex returns batches filed under value, newest first.
func (s *Store) ListByIndex(_ context.Context, index domain.IndexName, value string) ([]Batch, error) {
	if !index.Valid() {
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown index %q", index)
	}
	s.mu.RLock()
	ids := s.indexes[index][value]
	out := make([]Batch, 0, len(ids))
	for id := range ids {
		out = append(out, s.batches[id].Clone())
	}
	s.mu.RUnlock()
	domain.SortByCreated(out, domain.SortNewestFirst)
	return out, nil
}

// Search scans the free-text fields of every batch.
func (s *Store) Search(_ context.Context, text string) ([]Batch, error) {
	s.mu.RLock()
	out := make([]Batch, 0)
	for _, b := range s.batches {
		if b.MatchesText(text) {
			out = append(out, b.Clone())
		}
	}
	s.mu.RUnlock()
	domain.SortByCreated(out, domain.SortNewestFirst)
	return out, nil
}

// ListAll returns every batch in the requested order.
func (s *Store) ListAll(_ context.Context, order domain.SortOrder) ([]Batch, error) {
	if order == "" {
		order = domain.SortNewestFirst
	}
	if order != domain.SortNewestFirst && order != domain.SortOldestFirst {
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown sort order %q", order)
	}
	s.mu.RLock()
	out := make([]Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b.Clone())
	}
	s.mu.RUnlock()
	domain.SortByCreated(out, order)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
