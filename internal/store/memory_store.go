package store

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/models"
)

// FaultFunc can fail a MemoryStore operation before it touches any data.
type FaultFunc func(op string, key models.Key) error

type memoryEntry struct {
	rec       *models.Record
	changedAt time.Time
}

// MemoryStore is an in-process RemoteStore. It backs the "memory" remote,
// the HTTP server in tests, and fault-injection scenarios.
type MemoryStore struct {
	name  string
	clock clock.Clock

	mu          sync.RWMutex
	records     map[models.Key]memoryEntry
	unavailable bool
	fault       FaultFunc
	calls       map[string]int
}

// NewMemoryStore creates an empty store. A nil clock uses the system clock.
func NewMemoryStore(name string, c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{
		name:    name,
		clock:   c,
		records: make(map[models.Key]memoryEntry),
		calls:   make(map[string]int),
	}
}

// Name identifies the store.
func (m *MemoryStore) Name() string {
	return m.name
}

// begin records the call and applies injected faults. Caller holds m.mu.
func (m *MemoryStore) begin(op string, key models.Key) error {
	m.calls[op]++
	if m.unavailable {
		return NewError(m.name, op, key, models.ErrUnavailable)
	}
	if m.fault != nil {
		if err := m.fault(op, key); err != nil {
			return NewError(m.name, op, key, err)
		}
	}
	return nil
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("get", key); err != nil {
		return nil, err
	}

	e, ok := m.records[key]
	if !ok {
		return nil, NewError(m.name, "get", key, models.ErrNotFound)
	}
	return e.rec.Clone(), nil
}

// Put stores a copy of rec if its version is newer.
func (m *MemoryStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return m.write(ctx, "put", rec, true)
}

// Overwrite stores a copy of rec unconditionally.
func (m *MemoryStore) Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return m.write(ctx, "overwrite", rec, false)
}

func (m *MemoryStore) write(ctx context.Context, op string, rec *models.Record, checked bool) (*models.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, NewError(m.name, op, rec.Key(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(op, rec.Key()); err != nil {
		return nil, err
	}

	if checked {
		if err := CheckPut(m.records[rec.Key()].rec, rec); err != nil {
			return nil, NewError(m.name, op, rec.Key(), err)
		}
	}

	stored := rec.Clone()
	m.records[rec.Key()] = memoryEntry{rec: stored, changedAt: m.clock.Now()}
	return stored.Clone(), nil
}

// Delete removes the record.
func (m *MemoryStore) Delete(ctx context.Context, key models.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("delete", key); err != nil {
		return err
	}
	if _, ok := m.records[key]; !ok {
		return NewError(m.name, "delete", key, models.ErrNotFound)
	}
	delete(m.records, key)
	return nil
}

// ListByType returns copies of every record of type t.
func (m *MemoryStore) ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("list", models.Key{Type: t}); err != nil {
		return nil, err
	}

	var out []*models.Record
	for k, e := range m.records {
		if k.Type == t {
			out = append(out, e.rec.Clone())
		}
	}
	SortRecords(out)
	return out, nil
}

// ChangedSince returns records written at or after since.
func (m *MemoryStore) ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("changed_since", models.Key{}); err != nil {
		return nil, err
	}

	var out []*models.Record
	for _, e := range m.records {
		if !e.changedAt.Before(since) {
			out = append(out, e.rec.Clone())
		}
	}
	SortRecords(out)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Test helpers

// SetUnavailable makes every operation fail with ErrUnavailable.
func (m *MemoryStore) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	m.unavailable = unavailable
	m.mu.Unlock()
}

// FailOn installs a fault hook; nil removes it.
func (m *MemoryStore) FailOn(fn FaultFunc) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Snapshot returns copies of every record ordered by key.
func (m *MemoryStore) Snapshot() []*models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Record, 0, len(m.records))
	for _, e := range m.records {
		out = append(out, e.rec.Clone())
	}
	SortRecords(out)
	return out
}

// Seed stores records without faults, version checks or call accounting.
func (m *MemoryStore) Seed(recs ...*models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.records[rec.Key()] = memoryEntry{rec: rec.Clone(), changedAt: m.clock.Now()}
	}
}
