package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"github.com/engramdb/engram/index"
	"github.com/engramdb/engram/knowledge"
)

// reconcileKey dedupes concurrent reconciliation requests.
const reconcileKey = "reconcile"

// Result reports a mutation outcome. Degraded means the record store commit
// succeeded but the index update did not: the knowledge is safe, search may
// lag until reconciliation catches up.
type Result struct {
	Record *knowledge.Record

	Degraded   bool
	Diagnostic string
}

// Options configures a Manager.
type Options struct {
	// Store is the authoritative record store. Required.
	Store knowledge.Store

	// Index is the semantic projection. Required.
	Index index.Index

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns the dual-store write ordering and the repair path.
type Manager struct {
	store  knowledge.Store
	index  index.Index
	logger *slog.Logger

	group   singleflight.Group
	pending sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewManager wires a manager over the given store and index.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, goerr.New("manager requires a record store")
	}
	if opts.Index == nil {
		return nil, goerr.New("manager requires an index")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  opts.Store,
		index:  opts.Index,
		logger: logger,
	}, nil
}

// Create persists a new record and indexes it.
func (m *Manager) Create(ctx context.Context, req knowledge.CreateRequest) (*Result, error) {
	rec, err := m.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.projected(ctx, rec, "create"), nil
}

// Update mutates an existing record and re-indexes it.
func (m *Manager) Update(ctx context.Context, req knowledge.UpdateRequest) (*Result, error) {
	rec, err := m.store.Update(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.projected(ctx, rec, "update"), nil
}

// Delete removes a record and its index entry.
func (m *Manager) Delete(ctx context.Context, id string) (*Result, error) {
	if err := m.store.Delete(ctx, id); err != nil {
		return nil, err
	}

	res := &Result{}
	if err := m.index.Remove(ctx, id); err != nil {
		res.Degraded = true
		res.Diagnostic = "record deleted but index entry removal failed: " + err.Error()
		m.logger.Warn("index removal failed, scheduling reconciliation",
			"id", id, "error", err)
		m.ScheduleReconcile()
	}
	return res, nil
}

// Load fetches one record by id from the source of truth.
func (m *Manager) Load(ctx context.Context, id string) (*knowledge.Record, error) {
	return m.store.Load(ctx, id)
}

// List returns records matching the filter.
func (m *Manager) List(ctx context.Context, filter knowledge.Filter) ([]*knowledge.Record, error) {
	return m.store.List(ctx, filter)
}

// FindSimilar searches the index and hydrates each match from the record
// store. A match whose record has vanished is dropped from the result and
// flagged as drift rather than failing the search.
func (m *Manager) FindSimilar(ctx context.Context, query string, limit int, filters map[string]string) ([]*knowledge.Record, []index.SimilarityMatch, error) {
	matches, err := m.index.FindSimilar(ctx, query, limit, filters)
	if err != nil {
		return nil, nil, err
	}

	records := make([]*knowledge.Record, 0, len(matches))
	kept := matches[:0]
	for _, match := range matches {
		rec, err := m.store.Load(ctx, match.ID)
		if err != nil {
			if knowledge.IsNotFound(err) {
				m.FlagInconsistency(match.ID, "index entry has no backing record")
				continue
			}
			return nil, nil, err
		}
		records = append(records, rec)
		kept = append(kept, match)
	}
	return records, kept, nil
}

// FlagInconsistency records detected dual-store drift and schedules repair.
// Detection is never fatal to the operation that noticed it.
func (m *Manager) FlagInconsistency(id, reason string) {
	m.logger.Warn("dual-store inconsistency detected",
		"error", goerr.New(reason, goerr.T(index.TagInconsistency), goerr.V("id", id)))
	m.ScheduleReconcile()
}

// Reconcile rebuilds the index from the record store. Concurrent callers
// share a single rebuild.
func (m *Manager) Reconcile(ctx context.Context) (*index.ReconcileReport, error) {
	v, err, _ := m.group.Do(reconcileKey, func() (interface{}, error) {
		return m.index.Reconcile(ctx, m.store)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "reconciliation failed")
	}
	return v.(*index.ReconcileReport), nil
}

// ScheduleReconcile kicks off a background rebuild. Requests issued while
// one is running coalesce into it. No-op after Close.
func (m *Manager) ScheduleReconcile() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.pending.Done()
		if _, err := m.Reconcile(context.Background()); err != nil {
			m.logger.Error("background reconciliation failed", "error", err)
		}
	}()
}

// Close waits for in-flight reconciliations and releases both stores.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.pending.Wait()

	indexErr := m.index.Close()
	storeErr := m.store.Close()
	if storeErr != nil {
		return storeErr
	}
	return indexErr
}

// projected updates the index after a successful store commit, degrading
// instead of failing when the index cannot keep up.
func (m *Manager) projected(ctx context.Context, rec *knowledge.Record, op string) *Result {
	res := &Result{Record: rec}
	if err := m.index.Upsert(ctx, rec); err != nil {
		res.Degraded = true
		res.Diagnostic = "record stored but index update failed: " + err.Error()
		m.logger.Warn("index update failed, scheduling reconciliation",
			"op", op, "id", rec.ID, "error", err)
		m.ScheduleReconcile()
	}
	return res
}
