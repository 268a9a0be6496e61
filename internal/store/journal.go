package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/models"
)

// Journal persists the change log and sync bookkeeping next to the local store.
type Journal interface {
	// Append adds entries atomically: either all are stored or none.
	Append(ctx context.Context, entries ...models.ChangeLogEntry) error

	// Pending returns every unacknowledged entry, oldest first.
	Pending(ctx context.Context) ([]models.ChangeLogEntry, error)

	// HasPending reports whether key has unacknowledged entries.
	HasPending(ctx context.Context, key models.Key) (bool, error)

	// Ack removes the entries of key whose local version is at most version.
	Ack(ctx context.Context, key models.Key, version int64) (int, error)

	// Watermark returns the change feed position of the last successful pull.
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error

	// LogConflict persists the outcome of a resolved conflict.
	LogConflict(ctx context.Context, audit models.ConflictAudit) error

	// Conflicts returns the most recent audits, newest first.
	Conflicts(ctx context.Context, limit int) ([]models.ConflictAudit, error)

	Close() error
}

// MemoryJournal is a non-durable Journal for tests and ephemeral setups.
type MemoryJournal struct {
	mu        sync.Mutex
	entries   []models.ChangeLogEntry
	watermark time.Time
	conflicts []models.ConflictAudit
	fault     func(op string) error
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) check(op string) error {
	if j.fault != nil {
		return j.fault(op)
	}
	return nil
}

// Append adds entries.
func (j *MemoryJournal) Append(ctx context.Context, entries ...models.ChangeLogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.check("append"); err != nil {
		return err
	}
	j.entries = append(j.entries, entries...)
	sort.SliceStable(j.entries, func(a, b int) bool {
		return j.entries[a].CreatedAt.Before(j.entries[b].CreatedAt)
	})
	return nil
}

// Pending returns a copy of the unacknowledged entries.
func (j *MemoryJournal) Pending(ctx context.Context) ([]models.ChangeLogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.check("pending"); err != nil {
		return nil, err
	}
	return append([]models.ChangeLogEntry(nil), j.entries...), nil
}

// HasPending reports whether key has entries.
func (j *MemoryJournal) HasPending(ctx context.Context, key models.Key) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range j.entries {
		if e.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

// Ack removes confirmed entries.
func (j *MemoryJournal) Ack(ctx context.Context, key models.Key, version int64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.check("ack"); err != nil {
		return 0, err
	}

	kept := j.entries[:0]
	removed := 0
	for _, e := range j.entries {
		if e.Key() == key && e.LocalVersion <= version {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	j.entries = kept
	return removed, nil
}

// Watermark returns the stored watermark.
func (j *MemoryJournal) Watermark(ctx context.Context) (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.watermark, nil
}

// SetWatermark stores the watermark.
func (j *MemoryJournal) SetWatermark(ctx context.Context, t time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.watermark = t.UTC()
	return nil
}

// LogConflict appends an audit.
func (j *MemoryJournal) LogConflict(ctx context.Context, audit models.ConflictAudit) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.conflicts = append(j.conflicts, audit)
	return nil
}

// Conflicts returns up to limit audits, newest first.
func (j *MemoryJournal) Conflicts(ctx context.Context, limit int) ([]models.ConflictAudit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]models.ConflictAudit, 0, len(j.conflicts))
	for i := len(j.conflicts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, j.conflicts[i])
	}
	return out, nil
}

// Close is a no-op.
func (j *MemoryJournal) Close() error {
	return nil
}

// FailOn installs a fault hook consulted by Append, Pending and Ack.
func (j *MemoryJournal) FailOn(fn func(op string) error) {
	j.mu.Lock()
	j.fault = fn
	j.mu.Unlock()
}
