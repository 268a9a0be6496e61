package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/coordinator"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
	"github.com/TheMichaelB/recsync/internal/txn"
	"github.com/TheMichaelB/recsync/test/testutil"
)

type env struct {
	local   *store.MemoryStore
	remote  *store.MemoryStore
	journal *store.MemoryJournal
	clock   *clock.Manual
	coord   *coordinator.Coordinator
}

type remoteKind int

const (
	noRemote remoteKind = iota
	memoryRemote
)

func newEnv(t *testing.T, kind remoteKind, mutate ...func(*coordinator.Options)) *env {
	t.Helper()

	e := &env{
		clock:   clock.NewManual(testutil.Epoch),
		journal: store.NewMemoryJournal(),
	}
	e.local = store.NewMemoryStore("local", e.clock)

	var remote store.RemoteStore
	if kind == memoryRemote {
		e.remote = store.NewMemoryStore("remote", e.clock)
		remote = e.remote
	}
	return e.build(t, remote, mutate...)
}

func newMockEnv(t *testing.T, remote *testutil.MockRemoteStore) *env {
	t.Helper()

	e := &env{
		clock:   clock.NewManual(testutil.Epoch),
		journal: store.NewMemoryJournal(),
	}
	e.local = store.NewMemoryStore("local", e.clock)
	return e.build(t, remote)
}

func (e *env) build(t *testing.T, remote store.RemoteStore, mutate ...func(*coordinator.Options)) *env {
	t.Helper()

	opts := coordinator.Options{
		Local:   e.local,
		Journal: e.journal,
		Remote:  remote,
		Locker:  store.NewLocker(time.Second),
		Clock:   e.clock,
		Logger:  events.Discard(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	coord, err := coordinator.New(opts)
	require.NoError(t, err)
	t.Cleanup(coord.Dispose)
	e.coord = coord
	return e
}

func TestLocalOnlyNeverTouchesRemote(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewMockRemoteStore()
	e := newMockEnv(t, remote)

	require.NoError(t, e.coord.Initialize(ctx, false))

	created, err := e.coord.Create(ctx, models.AggregateList, "L1", []byte(`{"name":"Groceries"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = e.coord.Update(ctx, models.AggregateList, "L1", []byte(`{"name":"Food"}`))
	require.NoError(t, err)

	got, err := e.coord.Get(ctx, models.AggregateList, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	pending, err := e.journal.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "local-only writes are not queued")

	_, err = e.coord.ForceSync(ctx, time.Second)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	e.coord.Foreground()
	e.coord.RemoteChanged()

	remote.AssertExpectations(t)
	assert.Empty(t, remote.Calls)
}

func TestAuthenticationQueuesLocalHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)

	require.NoError(t, e.coord.Initialize(ctx, false))

	_, err := e.coord.Create(ctx, models.AggregateList, "L1", []byte(`{"name":"Offline"}`))
	require.NoError(t, err)

	require.NoError(t, e.coord.SetAuthenticated(ctx, true))

	report, err := e.coord.ForceSync(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())

	remote, err := e.remote.Get(ctx, models.NewKey(models.AggregateList, "L1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), remote.Version)
	assert.JSONEq(t, `{"name":"Offline"}`, string(remote.Payload))

	local, err := e.local.Get(ctx, models.NewKey(models.AggregateList, "L1"))
	require.NoError(t, err)
	assert.False(t, local.Pending())

	pending, err := e.journal.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailedBackfillCanBeRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)

	require.NoError(t, e.coord.Initialize(ctx, false))
	_, err := e.coord.Create(ctx, models.AggregateList, "L1", []byte(`{"name":"Offline"}`))
	require.NoError(t, err)

	diskFull := errors.New("disk full")
	e.journal.FailOn(func(op string) error {
		if op == "append" {
			return diskFull
		}
		return nil
	})
	err = e.coord.SetAuthenticated(ctx, true)
	require.ErrorIs(t, err, diskFull)

	st, err := e.coord.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated, "a failed backfill leaves the coordinator signed out")

	e.journal.FailOn(nil)
	require.NoError(t, e.coord.SetAuthenticated(ctx, true))

	_, err = e.coord.ForceSync(ctx, 5*time.Second)
	require.NoError(t, err)

	remote, err := e.remote.Get(ctx, models.NewKey(models.AggregateList, "L1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Offline"}`, string(remote.Payload))
}

func TestInitializeRecoversFromFailedBackfill(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)
	e.local.Seed(testutil.NewRecord(models.AggregateTask, "T1"))

	e.journal.FailOn(func(op string) error {
		if op == "append" {
			return errors.New("disk full")
		}
		return nil
	})
	require.Error(t, e.coord.Initialize(ctx, true))

	e.journal.FailOn(nil)
	require.NoError(t, e.coord.SetAuthenticated(ctx, true))

	_, err := e.coord.ForceSync(ctx, 5*time.Second)
	require.NoError(t, err)

	_, err = e.remote.Get(ctx, models.NewKey(models.AggregateTask, "T1"))
	assert.NoError(t, err)
}

func TestBackfillSkipsJournaledRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)

	require.NoError(t, e.coord.Initialize(ctx, true))
	_, err := e.coord.Create(ctx, models.AggregateTask, "T1", []byte(`{"title":"a"}`))
	require.NoError(t, err)

	// Flip off and on again: T1 already has an entry and must not get a second one.
	require.NoError(t, e.coord.SetAuthenticated(ctx, false))
	require.NoError(t, e.coord.SetAuthenticated(ctx, true))

	_, err = e.coord.ForceSync(ctx, 5*time.Second)
	require.NoError(t, err)

	remote, err := e.remote.Get(ctx, models.NewKey(models.AggregateTask, "T1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), remote.Version)
}

func TestSignOutStopsSync(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)

	require.NoError(t, e.coord.Initialize(ctx, true))
	require.NoError(t, e.coord.SetAuthenticated(ctx, false))

	_, err := e.coord.Create(ctx, models.AggregateHabit, "H1", nil)
	require.NoError(t, err)

	_, err = e.coord.ForceSync(ctx, time.Second)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	status, err := e.coord.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)
	assert.Equal(t, 0, status.PendingCount)
}

func TestInitializeRefusesFailedMigrations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, noRemote)

	e.local.Seed(
		testutil.NewRecord(models.AggregateTask, "T1", testutil.WithVersion(1, 1)),
		&models.Record{ID: "T2", Type: models.AggregateTask, Payload: []byte(`[1,2]`), Version: 1, BaseVersion: 1, SchemaVersion: 1},
	)

	err := e.coord.Initialize(ctx, false)
	require.Error(t, err)

	var ce *models.CoordinatorError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "initialize", ce.Op)
	assert.ErrorIs(t, err, models.ErrPartialFailure)

	_, err = e.coord.Create(ctx, models.AggregateTask, "T3", nil)
	assert.ErrorIs(t, err, models.ErrNotInitialized)
}

func TestInitializeToleratesFailuresWithinThreshold(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, noRemote, func(o *coordinator.Options) {
		o.MigrationErrorThreshold = 1
	})

	e.local.Seed(
		testutil.NewRecord(models.AggregateTask, "T1", testutil.WithVersion(1, 1)),
		&models.Record{ID: "T2", Type: models.AggregateTask, Payload: []byte(`[1,2]`), Version: 1, BaseVersion: 1, SchemaVersion: 1},
	)

	require.NoError(t, e.coord.Initialize(ctx, false))

	migrated, err := e.coord.Get(ctx, models.AggregateTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, 3, migrated.SchemaVersion)
	assert.Equal(t, float64(0), testutil.Field(migrated.Payload, "priority"))

	status, err := e.coord.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.Migration)
	assert.Len(t, status.Migration.Failures, 1)
	assert.Equal(t, 3, status.SchemaVersion)
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, noRemote)

	_, err := e.coord.Get(ctx, models.AggregateList, "L1")
	assert.ErrorIs(t, err, models.ErrNotInitialized)

	_, err = e.coord.Query(ctx, models.AggregateList, nil)
	assert.ErrorIs(t, err, models.ErrNotInitialized)

	_, err = e.coord.ForceSync(ctx, time.Second)
	assert.ErrorIs(t, err, models.ErrNotInitialized)

	_, err = e.coord.Status(ctx)
	assert.ErrorIs(t, err, models.ErrNotInitialized)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)

	require.NoError(t, e.coord.Initialize(ctx, true))
	e.coord.Dispose()
	e.coord.Dispose()

	_, err := e.coord.Create(ctx, models.AggregateList, "L1", nil)
	assert.ErrorIs(t, err, models.ErrDisposed)

	err = e.coord.Initialize(ctx, true)
	assert.ErrorIs(t, err, models.ErrDisposed)
}

func TestGetHidesTombstones(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, noRemote)
	require.NoError(t, e.coord.Initialize(ctx, false))

	_, err := e.coord.Create(ctx, models.AggregateList, "L1", []byte(`{}`))
	require.NoError(t, err)
	tomb, err := e.coord.Delete(ctx, models.AggregateList, "L1")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, int64(2), tomb.Version)

	_, err = e.coord.Get(ctx, models.AggregateList, "L1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	recs, err := e.coord.Query(ctx, models.AggregateList, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestTransactionIsAtomic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, noRemote)
	require.NoError(t, e.coord.Initialize(ctx, false))

	_, err := e.coord.Transaction(ctx, []txn.Mutation{
		txn.Create(models.AggregateList, "L1", []byte(`{}`)),
		txn.Update(models.AggregateListItem, "missing", []byte(`{}`)),
	})
	require.Error(t, err)

	var te *models.TransactionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.Index)

	_, err = e.coord.Get(ctx, models.AggregateList, "L1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueryExpr(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, noRemote)
	require.NoError(t, e.coord.Initialize(ctx, false))

	_, err := e.coord.Transaction(ctx, []txn.Mutation{
		txn.Create(models.AggregateTask, "T1", []byte(`{"title":"low","priority":1}`)),
		txn.Create(models.AggregateTask, "T2", []byte(`{"title":"high","priority":5}`)),
		txn.Create(models.AggregateTask, "T3", []byte(`{"title":"gone","priority":9}`)),
		txn.Create(models.AggregateTask, "T4", []byte(`not json`)),
	})
	require.NoError(t, err)
	_, err = e.coord.Delete(ctx, models.AggregateTask, "T3")
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		want       []string
	}{
		{"payload field", `payload.priority > 2`, []string{"T2"}},
		{"record field", `id == "T1"`, []string{"T1"}},
		{"tombstones hidden", `true`, []string{"T1", "T2", "T4"}},
		{"raw payload", `payload == "not json"`, []string{"T4"}},
		{"non bool result", `version`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := e.coord.QueryExpr(ctx, models.AggregateTask, tt.expression)
			require.NoError(t, err)

			var ids []string
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err = e.coord.QueryExpr(ctx, models.AggregateTask, "   ")
	assert.Error(t, err)

	_, err = e.coord.QueryExpr(ctx, models.AggregateTask, "payload.priority >")
	assert.Error(t, err)
}

func TestForceSyncReportsSyncError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)
	remote := e.remote

	require.NoError(t, e.coord.Initialize(ctx, true))
	remote.SetUnavailable(true)

	_, err := e.coord.ForceSync(ctx, 5*time.Second)
	require.Error(t, err)

	var se *models.SyncError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Transient())
	assert.ErrorIs(t, err, models.ErrUnavailable)

	status, err := e.coord.Status(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, status.LastSyncError)
}

func TestWatchAuth(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)
	require.NoError(t, e.coord.Initialize(ctx, false))

	signal := make(chan bool, 1)
	e.coord.WatchAuth(ctx, signal)
	signal <- true

	testutil.WaitFor(t, time.Second, func() bool {
		st, err := e.coord.Status(ctx)
		return err == nil && st.Authenticated
	}, "authentication signal applied")

	close(signal)
}

func TestConflictsAreAudited(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memoryRemote)
	remote := e.remote
	require.NoError(t, e.coord.Initialize(ctx, true))

	_, err := e.coord.Create(ctx, models.AggregateList, "L1", []byte(`{"v":"base"}`))
	require.NoError(t, err)
	_, err = e.coord.ForceSync(ctx, 5*time.Second)
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	_, err = e.coord.Update(ctx, models.AggregateList, "L1", []byte(`{"v":"local"}`))
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	_, err = remote.Put(ctx, &models.Record{
		ID: "L1", Type: models.AggregateList, Payload: []byte(`{"v":"remote"}`),
		Version: 2, BaseVersion: 2, UpdatedAt: e.clock.Now(), SchemaVersion: 3,
	})
	require.NoError(t, err)

	_, err = e.coord.ForceSync(ctx, 5*time.Second)
	require.NoError(t, err)

	got, err := e.coord.Get(ctx, models.AggregateList, "L1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"remote"}`, string(got.Payload))
	assert.Equal(t, int64(3), got.Version)

	audits, err := e.coord.Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "L1", audits[0].RecordID)
}
