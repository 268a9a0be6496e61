// Package txn applies groups of record mutations to the local store atomically.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

// Mutation is one change within a transaction.
type Mutation struct {
	Key     models.Key
	Op      models.Operation
	Payload []byte
}

// Create builds a create mutation.
func Create(t models.AggregateType, id string, payload []byte) Mutation {
	return Mutation{Key: models.NewKey(t, id), Op: models.OpCreate, Payload: payload}
}

// Update builds an update mutation.
func Update(t models.AggregateType, id string, payload []byte) Mutation {
	return Mutation{Key: models.NewKey(t, id), Op: models.OpUpdate, Payload: payload}
}

// Delete builds a delete mutation.
func Delete(t models.AggregateType, id string) Mutation {
	return Mutation{Key: models.NewKey(t, id), Op: models.OpDelete}
}

func (m Mutation) validate() error {
	if m.Key.ID == "" {
		return fmt.Errorf("%w: id is required", models.ErrInvalidRecord)
	}
	if !m.Key.Type.Valid() {
		return fmt.Errorf("%w: unknown aggregate type %q", models.ErrInvalidRecord, m.Key.Type)
	}
	if _, err := models.ParseOperation(string(m.Op)); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRecord, err)
	}
	return nil
}

// Options control one transaction.
type Options struct {
	// Journal queues a change log entry per mutation for the sync engine.
	Journal bool
}

// Manager runs transactions against the local store.
type Manager struct {
	local         store.RecordStore
	journal       store.Journal
	locker        *store.Locker
	clock         clock.Clock
	schemaVersion int
	logger        *events.Logger
}

// NewManager creates a transaction manager. New records are stamped with
// schemaVersion.
func NewManager(local store.RecordStore, journal store.Journal, locker *store.Locker, c clock.Clock, schemaVersion int, logger *events.Logger) *Manager {
	return &Manager{
		local:         local,
		journal:       journal,
		locker:        locker,
		clock:         c,
		schemaVersion: schemaVersion,
		logger:        logger.WithField("component", "transaction_manager"),
	}
}

// Run applies every mutation or none of them. Results are returned in
// mutation order.
func (m *Manager) Run(ctx context.Context, muts []Mutation, opts Options) ([]*models.Record, error) {
	if len(muts) == 0 {
		return nil, nil
	}

	keys := make([]models.Key, len(muts))
	for i, mut := range muts {
		if err := mut.validate(); err != nil {
			return nil, &models.TransactionError{Index: i, Key: mut.Key, Err: err}
		}
		keys[i] = mut.Key
	}

	unlock, err := m.locker.LockAll(ctx, keys)
	if err != nil {
		return nil, &models.TransactionError{Index: -1, Err: fmt.Errorf("acquire locks: %w", err)}
	}
	defer unlock()

	t := &txState{
		working:   make(map[models.Key]*models.Record, len(keys)),
		snapshots: make(map[models.Key]*models.Record, len(keys)),
	}
	results := make([]*models.Record, len(muts))
	now := m.clock.Now()

	for i, mut := range muts {
		cur, seen := t.working[mut.Key]
		if !seen {
			cur, err = store.GetOptional(ctx, m.local, mut.Key)
			if err != nil {
				return nil, m.fail(ctx, t, i, mut.Key, err)
			}
			t.snapshots[mut.Key] = cur.Clone()
			t.working[mut.Key] = cur
		}

		next, err := m.next(cur, mut, now)
		if err != nil {
			return nil, m.fail(ctx, t, i, mut.Key, err)
		}

		written, err := m.local.Put(ctx, next)
		if err != nil {
			return nil, m.fail(ctx, t, i, mut.Key, err)
		}

		if !t.written(mut.Key) {
			t.applied = append(t.applied, mut.Key)
		}
		t.working[mut.Key] = written
		results[i] = written
	}

	if opts.Journal && m.journal != nil {
		entries := make([]models.ChangeLogEntry, len(results))
		for i, rec := range results {
			entries[i] = models.NewChangeLogEntry(rec, muts[i].Op, now)
		}
		if err := m.journal.Append(ctx, entries...); err != nil {
			last := len(muts) - 1
			return nil, m.fail(ctx, t, last, muts[last].Key, fmt.Errorf("append change log: %w", err))
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"mutations": len(muts),
		"records":   len(t.applied),
		"journaled": opts.Journal,
	}).Debug("Transaction committed")

	return results, nil
}

// next computes the record a mutation produces from the current state.
func (m *Manager) next(cur *models.Record, mut Mutation, now time.Time) (*models.Record, error) {
	switch mut.Op {
	case models.OpCreate:
		if cur != nil && !cur.Deleted {
			return nil, fmt.Errorf("%w: %s", models.ErrAlreadyExists, mut.Key)
		}
		rec := &models.Record{
			ID:            mut.Key.ID,
			Type:          mut.Key.Type,
			Payload:       append([]byte(nil), mut.Payload...),
			Version:       clock.Next(0),
			UpdatedAt:     now,
			SchemaVersion: m.schemaVersion,
		}
		if cur != nil {
			// Reviving a tombstone continues its history.
			rec.Version = clock.Next(cur.Version)
			rec.BaseVersion = cur.BaseVersion
		}
		return rec, nil

	case models.OpUpdate, models.OpDelete:
		if cur == nil || cur.Deleted {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, mut.Key)
		}
		rec := cur.Clone()
		rec.Version = clock.Next(cur.Version)
		rec.UpdatedAt = now
		if mut.Op == models.OpDelete {
			rec.Deleted = true
		} else {
			rec.Payload = append([]byte(nil), mut.Payload...)
		}
		return rec, nil
	}

	return nil, fmt.Errorf("%w: unknown operation %q", models.ErrInvalidRecord, mut.Op)
}

// fail rolls back and builds the transaction error.
func (m *Manager) fail(ctx context.Context, t *txState, index int, key models.Key, cause error) error {
	rollbackErr := m.rollback(context.WithoutCancel(ctx), t)

	logger := m.logger.WithFields(map[string]interface{}{
		"index":  index,
		"record": key.String(),
	}).WithError(cause)
	if rollbackErr != nil {
		logger.WithField("rollback_error", rollbackErr.Error()).Error("Transaction rollback failed")
	} else {
		logger.Debug("Transaction rolled back")
	}

	return &models.TransactionError{Index: index, Key: key, Err: cause, RollbackErr: rollbackErr}
}

// rollback restores the pre-transaction snapshot of every written record,
// newest first.
func (m *Manager) rollback(ctx context.Context, t *txState) error {
	var errs []error
	for i := len(t.applied) - 1; i >= 0; i-- {
		key := t.applied[i]
		snap := t.snapshots[key]

		var err error
		if snap == nil {
			err = m.local.Delete(ctx, key)
		} else {
			_, err = m.local.Overwrite(ctx, snap)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

type txState struct {
	working   map[models.Key]*models.Record
	snapshots map[models.Key]*models.Record
	applied   []models.Key
}

func (t *txState) written(key models.Key) bool {
	for _, k := range t.applied {
		if k == key {
			return true
		}
	}
	return false
}
