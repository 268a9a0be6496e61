package txn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
	"github.com/TheMichaelB/recsync/internal/txn"
)

var t0 = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

type fixture struct {
	local   *store.MemoryStore
	journal *store.MemoryJournal
	locker  *store.Locker
	clock   *clock.Manual
	mgr     *txn.Manager
}

func newFixture() *fixture {
	f := &fixture{
		local:   store.NewMemoryStore("local", nil),
		journal: store.NewMemoryJournal(),
		locker:  store.NewLocker(time.Second),
		clock:   clock.NewManual(t0),
	}
	f.mgr = txn.NewManager(f.local, f.journal, f.locker, f.clock, 2, events.Discard())
	return f
}

func TestCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	created, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateList, "L1", []byte(`{"name":"Groceries"}`)),
	}, txn.Options{Journal: true})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(1), created[0].Version)
	assert.Equal(t, int64(0), created[0].BaseVersion)
	assert.Equal(t, 2, created[0].SchemaVersion)
	assert.True(t, created[0].UpdatedAt.Equal(t0))

	f.clock.Advance(time.Minute)
	updated, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Update(models.AggregateList, "L1", []byte(`{"name":"Shopping"}`)),
	}, txn.Options{Journal: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated[0].Version)
	assert.JSONEq(t, `{"name":"Shopping"}`, string(updated[0].Payload))

	deleted, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Delete(models.AggregateList, "L1"),
	}, txn.Options{Journal: true})
	require.NoError(t, err)
	assert.True(t, deleted[0].Deleted)
	assert.Equal(t, int64(3), deleted[0].Version)
	assert.JSONEq(t, `{"name":"Shopping"}`, string(deleted[0].Payload), "tombstone keeps last payload")

	pending, err := f.journal.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, models.OpCreate, pending[0].Operation)
	assert.Equal(t, models.OpUpdate, pending[1].Operation)
	assert.Equal(t, models.OpDelete, pending[2].Operation)
	assert.Equal(t, int64(3), pending[2].LocalVersion)
}

func TestJournalOptional(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateHabit, "h1", []byte(`{}`)),
	}, txn.Options{})
	require.NoError(t, err)

	pending, err := f.journal.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOperationPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.mgr.Run(ctx, []txn.Mutation{txn.Create(models.AggregateTask, "t1", []byte(`{}`))}, txn.Options{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		mut     txn.Mutation
		wantErr error
	}{
		{"create existing", txn.Create(models.AggregateTask, "t1", []byte(`{}`)), models.ErrAlreadyExists},
		{"update missing", txn.Update(models.AggregateTask, "nope", []byte(`{}`)), models.ErrNotFound},
		{"delete missing", txn.Delete(models.AggregateTask, "nope"), models.ErrNotFound},
		{"empty id", txn.Create(models.AggregateTask, "", nil), models.ErrInvalidRecord},
		{"unknown type", txn.Create("note", "n1", nil), models.ErrInvalidRecord},
		{"unknown op", txn.Mutation{Key: models.NewKey(models.AggregateTask, "t1"), Op: "patch"}, models.ErrInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Run(ctx, []txn.Mutation{tt.mut}, txn.Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var te *models.TransactionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, 0, te.Index)
		})
	}
}

func TestDeletedRecordCannotBeUpdated(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateList, "L1", []byte(`{}`)),
		txn.Delete(models.AggregateList, "L1"),
	}, txn.Options{})
	require.NoError(t, err)

	_, err = f.mgr.Run(ctx, []txn.Mutation{txn.Update(models.AggregateList, "L1", []byte(`{}`))}, txn.Options{})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.mgr.Run(ctx, []txn.Mutation{txn.Delete(models.AggregateList, "L1")}, txn.Options{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateRevivesTombstone(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.local.Seed(&models.Record{
		ID: "L1", Type: models.AggregateList, Payload: []byte(`{"name":"old"}`),
		Version: 4, BaseVersion: 4, Deleted: true, UpdatedAt: t0, SchemaVersion: 2,
	})

	recs, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateList, "L1", []byte(`{"name":"new"}`)),
	}, txn.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), recs[0].Version)
	assert.Equal(t, int64(4), recs[0].BaseVersion)
	assert.False(t, recs[0].Deleted)
}

func TestSameRecordTwiceInOneTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	recs, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateTask, "t1", []byte(`{"v":1}`)),
		txn.Update(models.AggregateTask, "t1", []byte(`{"v":2}`)),
	}, txn.Options{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].Version)
	assert.Equal(t, int64(2), recs[1].Version)

	got, err := f.local.Get(ctx, models.NewKey(models.AggregateTask, "t1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))
}

func TestRollbackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateList, "L1", []byte(`{"name":"Groceries"}`)),
	}, txn.Options{Journal: true})
	require.NoError(t, err)

	f.local.FailOn(func(op string, key models.Key) error {
		if op == "put" && key.ID == "t2" {
			return errors.New("disk full")
		}
		return nil
	})

	_, err = f.mgr.Run(ctx, []txn.Mutation{
		txn.Update(models.AggregateList, "L1", []byte(`{"name":"Changed"}`)),
		txn.Create(models.AggregateTask, "t1", []byte(`{}`)),
		txn.Create(models.AggregateTask, "t2", []byte(`{}`)),
	}, txn.Options{Journal: true})
	require.Error(t, err)

	var te *models.TransactionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 2, te.Index)
	assert.Equal(t, "t2", te.Key.ID)
	assert.NoError(t, te.RollbackErr)

	list, err := f.local.Get(ctx, models.NewKey(models.AggregateList, "L1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), list.Version)
	assert.JSONEq(t, `{"name":"Groceries"}`, string(list.Payload))

	_, err = f.local.Get(ctx, models.NewKey(models.AggregateTask, "t1"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	pending, err := f.journal.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "failed transaction journals nothing")
}

func TestRollbackOnJournalFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.journal.FailOn(func(op string) error {
		if op == "append" {
			return errors.New("journal locked")
		}
		return nil
	})

	_, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateTask, "t1", []byte(`{}`)),
	}, txn.Options{Journal: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append change log")

	assert.Empty(t, f.local.Snapshot())
}

func TestReportsRollbackFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.local.FailOn(func(op string, key models.Key) error {
		switch {
		case op == "put" && key.ID == "t2":
			return errors.New("disk full")
		case op == "delete":
			return errors.New("read-only filesystem")
		}
		return nil
	})

	_, err := f.mgr.Run(ctx, []txn.Mutation{
		txn.Create(models.AggregateTask, "t1", []byte(`{}`)),
		txn.Create(models.AggregateTask, "t2", []byte(`{}`)),
	}, txn.Options{})

	var te *models.TransactionError
	require.True(t, errors.As(err, &te))
	require.Error(t, te.RollbackErr)
	assert.Contains(t, te.Error(), "rollback failed")
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.mgr.Run(ctx, []txn.Mutation{txn.Create(models.AggregateHabit, "h1", []byte(`{}`))}, txn.Options{})
	require.NoError(t, err)

	const writers = 10
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := f.mgr.Run(ctx, []txn.Mutation{
				txn.Update(models.AggregateHabit, "h1", []byte(`{"streak":1}`)),
			}, txn.Options{})
			errs <- err
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	got, err := f.local.Get(ctx, models.NewKey(models.AggregateHabit, "h1"))
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), got.Version)
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	locker := store.NewLocker(20 * time.Millisecond)
	mgr := txn.NewManager(f.local, f.journal, locker, f.clock, 1, events.Discard())
	unlock, err := locker.Lock(ctx, models.NewKey(models.AggregateTask, "t1"))
	require.NoError(t, err)
	defer unlock()

	_, err = mgr.Run(ctx, []txn.Mutation{txn.Create(models.AggregateTask, "t1", []byte(`{}`))}, txn.Options{})
	assert.ErrorIs(t, err, models.ErrLocked)
}
