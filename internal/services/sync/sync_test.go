package sync_test

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/migrate"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/services/sync"
	"github.com/TheMichaelB/recsync/internal/store"
	"github.com/TheMichaelB/recsync/internal/txn"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	local   *store.MemoryStore
	remote  *store.MemoryStore
	journal *store.MemoryJournal
	locker  *store.Locker
	clock   *clock.Manual
	txn     *txn.Manager
	engine  *sync.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:   clock.NewManual(t0),
		journal: store.NewMemoryJournal(),
		locker:  store.NewLocker(time.Second),
	}
	h.local = store.NewMemoryStore("local", h.clock)
	h.remote = store.NewMemoryStore("remote", h.clock)
	h.txn = txn.NewManager(h.local, h.journal, h.locker, h.clock, 1, events.Discard())
	h.engine = h.newEngine(h.remote, nil)
	return h
}

func (h *harness) newEngine(remote store.RemoteStore, upgrade sync.UpgradeFunc) *sync.Engine {
	return sync.NewEngine(sync.Deps{
		Local:   h.local,
		Remote:  remote,
		Journal: h.journal,
		Locker:  h.locker,
		Upgrade: upgrade,
		Clock:   h.clock,
	}, &sync.Config{BatchSize: 2, MaxConcurrent: 2}, events.Discard())
}

func (h *harness) run(t *testing.T, muts ...txn.Mutation) []*models.Record {
	t.Helper()
	recs, err := h.txn.Run(context.Background(), muts, txn.Options{Journal: true})
	require.NoError(t, err)
	return recs
}

// remoteWrite simulates another device writing straight to the remote store.
func (h *harness) remoteWrite(t *testing.T, rec *models.Record) {
	t.Helper()
	_, err := h.remote.Put(context.Background(), rec.Synced())
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T, s store.RecordStore, key models.Key) *models.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func (h *harness) assertConverged(t *testing.T) {
	t.Helper()
	local, remote := h.local.Snapshot(), h.remote.Snapshot()
	require.Len(t, local, len(remote))
	for i := range local {
		assert.True(t, local[i].Identical(remote[i]), "record %s differs: local %+v remote %+v", local[i].Key(), local[i], remote[i])
		assert.False(t, local[i].Pending(), "record %s still pending", local[i].Key())
	}

	pending, err := h.journal.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

var l1 = models.NewKey(models.AggregateList, "L1")

func TestPushNewRecord(t *testing.T) {
	h := newHarness(t)
	h.run(t, txn.Create(models.AggregateList, "L1", []byte(`{"name":"Groceries"}`)))

	report, err := h.engine.RunCycle(context.Background(), sync.TriggerReauth)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, "reauth", report.Trigger)

	remote := h.get(t, h.remote, l1)
	assert.Equal(t, int64(1), remote.Version)
	assert.JSONEq(t, `{"name":"Groceries"}`, string(remote.Payload))

	local := h.get(t, h.local, l1)
	assert.Equal(t, int64(1), local.BaseVersion)
	h.assertConverged(t)
}

func TestPullAppliesNewerRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remoteWrite(t, &models.Record{
		ID: "t1", Type: models.AggregateTask, Payload: []byte(`{"title":"Buy milk"}`),
		Version: 4, UpdatedAt: t0, SchemaVersion: 1,
	})

	h.clock.Advance(time.Minute)
	report, err := h.engine.RunCycle(ctx, sync.TriggerForeground)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 0, report.Pushed)

	got := h.get(t, h.local, models.NewKey(models.AggregateTask, "t1"))
	assert.Equal(t, int64(4), got.Version)
	assert.False(t, got.Pending())

	watermark, err := h.journal.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, watermark.Equal(t0.Add(time.Minute)))

	// A second cycle sees nothing new.
	h.clock.Advance(time.Minute)
	report, err = h.engine.RunCycle(ctx, sync.TriggerTimer)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pulled)
	h.assertConverged(t)
}

func TestConcurrentEditsSameTimestampPreferRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, txn.Create(models.AggregateList, "L1", []byte(`{"name":"List"}`)))
	_, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.run(t, txn.Update(models.AggregateList, "L1", []byte(`{"name":"Groceries"}`)))
	h.remoteWrite(t, &models.Record{
		ID: "L1", Type: models.AggregateList, Payload: []byte(`{"name":"Shopping"}`),
		Version: 2, UpdatedAt: h.clock.Now(), SchemaVersion: 1,
	})

	report, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 0, report.Pushed)

	local := h.get(t, h.local, l1)
	assert.Equal(t, int64(3), local.Version)
	assert.JSONEq(t, `{"name":"Shopping"}`, string(local.Payload))
	h.assertConverged(t)

	audits, err := h.journal.Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "remote", audits[0].Winner)
	assert.Equal(t, int64(3), audits[0].ResolvedVersion)
	assert.NotEmpty(t, audits[0].Note)
}

func TestConcurrentEditsLaterWriteWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, txn.Create(models.AggregateList, "L1", []byte(`{"name":"List"}`)))
	_, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)

	h.remoteWrite(t, &models.Record{
		ID: "L1", Type: models.AggregateList, Payload: []byte(`{"name":"Shopping"}`),
		Version: 2, UpdatedAt: t0.Add(30 * time.Second), SchemaVersion: 1,
	})
	h.clock.Advance(time.Minute)
	h.run(t, txn.Update(models.AggregateList, "L1", []byte(`{"name":"Groceries"}`)))

	_, err = h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)

	remote := h.get(t, h.remote, l1)
	assert.Equal(t, int64(3), remote.Version)
	assert.JSONEq(t, `{"name":"Groceries"}`, string(remote.Payload))
	h.assertConverged(t)
}

func TestLocalDeleteBeatsRemoteUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, txn.Create(models.AggregateList, "L1", []byte(`{"name":"A"}`)))
	h.run(t, txn.Update(models.AggregateList, "L1", []byte(`{"name":"B"}`)))
	_, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	deleted := h.run(t, txn.Delete(models.AggregateList, "L1"))
	assert.Equal(t, int64(3), deleted[0].Version)

	h.clock.Advance(time.Minute)
	h.remoteWrite(t, &models.Record{
		ID: "L1", Type: models.AggregateList, Payload: []byte(`{"name":"C"}`),
		Version: 3, UpdatedAt: h.clock.Now(), SchemaVersion: 1,
	})

	_, err = h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)

	assert.True(t, h.get(t, h.local, l1).Deleted)
	assert.True(t, h.get(t, h.remote, l1).Deleted)
	assert.Equal(t, int64(4), h.get(t, h.remote, l1).Version)
	h.assertConverged(t)
}

func TestRemoteUnavailableIsTransient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, txn.Create(models.AggregateHabit, "h1", []byte(`{}`)))
	h.remote.SetUnavailable(true)

	report, err := h.engine.RunCycle(ctx, sync.TriggerTimer)
	require.Error(t, err)

	var syncErr *models.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, models.PhasePulling, syncErr.Phase)
	assert.True(t, syncErr.Transient())
	assert.ErrorIs(t, err, models.ErrUnavailable)
	assert.Equal(t, models.PhaseFailed, report.Phase)
	assert.Equal(t, models.ErrCodeUnavailable, models.Code(err))

	pending, err := h.journal.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "nothing acknowledged")

	h.remote.SetUnavailable(false)
	_, err = h.engine.RunCycle(ctx, sync.TriggerTimer)
	require.NoError(t, err)
	h.assertConverged(t)
}

func TestPushVersionConflictBecomesCase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, txn.Create(models.AggregateTask, "t1", []byte(`{"v":1}`)))

	var failed atomic.Bool
	h.remote.FailOn(func(op string, key models.Key) error {
		if op == "put" && failed.CompareAndSwap(false, true) {
			return models.ErrVersionConflict
		}
		return nil
	})

	report, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pushed)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Resolved)
	h.assertConverged(t)
}

func TestPullRollsBackOnApplyFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.local.Seed(&models.Record{
		ID: "a", Type: models.AggregateTask, Payload: []byte(`{"old":true}`),
		Version: 1, BaseVersion: 1, UpdatedAt: t0, SchemaVersion: 1,
	})
	h.remoteWrite(t, &models.Record{ID: "a", Type: models.AggregateTask, Payload: []byte(`{"new":true}`), Version: 2, UpdatedAt: t0, SchemaVersion: 1})
	h.remoteWrite(t, &models.Record{ID: "b", Type: models.AggregateTask, Payload: []byte(`{}`), Version: 1, UpdatedAt: t0, SchemaVersion: 1})
	h.remoteWrite(t, &models.Record{ID: "c", Type: models.AggregateTask, Payload: []byte(`{}`), Version: 1, UpdatedAt: t0, SchemaVersion: 1})

	h.local.FailOn(func(op string, key models.Key) error {
		if op == "put" && key.ID == "c" {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	var syncErr *models.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, models.PhasePulling, syncErr.Phase)
	assert.False(t, syncErr.Transient())

	a := h.get(t, h.local, models.NewKey(models.AggregateTask, "a"))
	assert.Equal(t, int64(1), a.Version)
	assert.JSONEq(t, `{"old":true}`, string(a.Payload))

	_, err = h.local.Get(ctx, models.NewKey(models.AggregateTask, "b"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	watermark, err := h.journal.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, watermark.IsZero())
}

func TestPerRecordPushFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t,
		txn.Create(models.AggregateTask, "good", []byte(`{}`)),
		txn.Create(models.AggregateTask, "bad", []byte(`{}`)),
	)
	h.remote.FailOn(func(op string, key models.Key) error {
		if op == "put" && key.ID == "bad" {
			return errors.New("payload rejected")
		}
		return nil
	})

	report, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPartialFailure)
	assert.Equal(t, 1, report.Pushed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "bad", report.Failures[0].Key.ID)
	assert.Equal(t, models.PhasePushing, report.Failures[0].Phase)

	pending, err := h.journal.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bad", pending[0].RecordID)
}

func TestPulledRecordsAreUpgraded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	steps := migrate.DefaultSteps()
	engine := h.newEngine(h.remote, func(rec *models.Record) (*models.Record, error) {
		up, merr := migrate.Upgrade(rec, steps)
		if merr != nil {
			return nil, merr
		}
		return up, nil
	})

	h.remoteWrite(t, &models.Record{
		ID: "t1", Type: models.AggregateTask, Payload: []byte(`{"title":"x"}`),
		Version: 1, UpdatedAt: t0, SchemaVersion: 1,
	})

	_, err := engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)

	got := h.get(t, h.local, models.NewKey(models.AggregateTask, "t1"))
	assert.Equal(t, migrate.CurrentSchemaVersion(), got.SchemaVersion)
	assert.JSONEq(t, `{"title":"x","priority":0}`, string(got.Payload))
}

func TestPushConflictUpgradesRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	steps := migrate.DefaultSteps()
	engine := h.newEngine(h.remote, func(rec *models.Record) (*models.Record, error) {
		up, merr := migrate.Upgrade(rec, steps)
		if merr != nil {
			return nil, merr
		}
		return up, nil
	})

	key := models.NewKey(models.AggregateTask, "t1")
	base := &models.Record{
		ID: "t1", Type: models.AggregateTask, Payload: []byte(`{"title":"x","priority":0}`),
		Version: 1, BaseVersion: 1, UpdatedAt: t0, SchemaVersion: migrate.CurrentSchemaVersion(),
	}
	h.remote.Seed(base.Clone())

	edited := base.Clone()
	edited.Payload = []byte(`{"title":"local","priority":2}`)
	edited.Version = 2
	edited.UpdatedAt = t0.Add(time.Minute)
	h.local.Seed(edited)
	require.NoError(t, h.journal.Append(ctx, models.NewChangeLogEntry(edited, models.OperationFor(edited), t0)))

	// An older client wrote a later edit at the base schema; the change feed
	// has already moved past it, so only the push notices.
	h.remoteWrite(t, &models.Record{
		ID: "t1", Type: models.AggregateTask, Payload: []byte(`{"title":"remote"}`),
		Version: 2, UpdatedAt: t0.Add(2 * time.Minute), SchemaVersion: 1,
	})
	require.NoError(t, h.journal.SetWatermark(ctx, t0.Add(time.Hour)))

	report, err := engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	got := h.get(t, h.local, key)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, migrate.CurrentSchemaVersion(), got.SchemaVersion)
	assert.JSONEq(t, `{"title":"remote","priority":0}`, string(got.Payload))
}

func TestConvergesWithinTwoCycles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Shared history.
	for i := 0; i < 6; i++ {
		h.run(t, txn.Create(models.AggregateTask, fmt.Sprintf("t%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}
	_, err := h.engine.RunCycle(ctx, sync.TriggerManual)
	require.NoError(t, err)

	// Diverge in every way at once.
	h.clock.Advance(time.Minute)
	h.run(t, txn.Update(models.AggregateTask, "t0", []byte(`{"n":"local"}`)))
	h.run(t, txn.Delete(models.AggregateTask, "t1"))
	h.run(t, txn.Update(models.AggregateTask, "t2", []byte(`{"n":"local"}`)))
	h.run(t, txn.Create(models.AggregateHabit, "local-only", []byte(`{}`)))

	h.clock.Advance(time.Minute)
	for _, id := range []string{"t1", "t2", "t3"} {
		h.remoteWrite(t, &models.Record{
			ID: id, Type: models.AggregateTask, Payload: []byte(`{"n":"remote"}`),
			Version: 2, UpdatedAt: h.clock.Now(), SchemaVersion: 1,
		})
	}
	h.remoteWrite(t, &models.Record{
		ID: "remote-only", Type: models.AggregateHabit, Payload: []byte(`{}`),
		Version: 1, UpdatedAt: h.clock.Now(), SchemaVersion: 1,
	})

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Minute)
		_, err := h.engine.RunCycle(ctx, sync.TriggerManual)
		require.NoError(t, err)
	}
	h.assertConverged(t)

	assert.True(t, h.get(t, h.local, models.NewKey(models.AggregateTask, "t1")).Deleted)
	assert.JSONEq(t, `{"n":"remote"}`, string(h.get(t, h.local, models.NewKey(models.AggregateTask, "t2")).Payload))
	assert.JSONEq(t, `{"n":"remote"}`, string(h.get(t, h.local, models.NewKey(models.AggregateTask, "t3")).Payload))
	assert.JSONEq(t, `{"n":"local"}`, string(h.get(t, h.remote, models.NewKey(models.AggregateTask, "t0")).Payload))
}

func TestEngineEvents(t *testing.T) {
	h := newHarness(t)
	h.run(t, txn.Create(models.AggregateList, "L1", []byte(`{}`)))

	_, err := h.engine.RunCycle(context.Background(), sync.TriggerManual)
	require.NoError(t, err)

	var types []sync.EventType
	for len(types) == 0 || types[len(types)-1] != sync.EventCompleted {
		select {
		case ev := <-h.engine.Events():
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing completion event, got %v", types)
		}
	}
	assert.Equal(t, sync.EventStarted, types[0])
	assert.Contains(t, types, sync.EventPushed)

	progress := h.engine.GetProgress()
	require.NotNil(t, progress)
	assert.Equal(t, models.PhaseIdle, progress.Phase)
}

// gatedRemote blocks every ChangedSince call until the gate opens.
type gatedRemote struct {
	*store.MemoryStore
	entered chan struct{}
	gate    chan struct{}
}

func newGatedRemote(h *harness) *gatedRemote {
	return &gatedRemote{
		MemoryStore: h.remote,
		entered:     make(chan struct{}, 16),
		gate:        make(chan struct{}),
	}
}

func (g *gatedRemote) ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error) {
	g.entered <- struct{}{}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryStore.ChangedSince(ctx, since)
}

func TestServiceCoalescesTriggers(t *testing.T) {
	h := newHarness(t)
	remote := newGatedRemote(h)
	svc := sync.NewService(h.newEngine(remote, nil), &sync.ServiceConfig{}, events.Discard())
	defer svc.Close()

	assert.False(t, svc.Trigger(sync.TriggerForeground), "disabled service ignores triggers")

	svc.SetEnabled(true)
	require.True(t, svc.Trigger(sync.TriggerForeground))
	<-remote.entered

	for i := 0; i < 5; i++ {
		assert.True(t, svc.Trigger(sync.TriggerRemoteChange))
	}
	close(remote.gate)

	require.Eventually(t, func() bool { return !svc.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.remote.Calls("changed_since"))

	report, err := svc.LastResult()
	require.NoError(t, err)
	assert.Equal(t, "remote_change", report.Trigger)
}

func TestForceSyncTimeoutLeavesCycleRunning(t *testing.T) {
	h := newHarness(t)
	remote := newGatedRemote(h)
	svc := sync.NewService(h.newEngine(remote, nil), &sync.ServiceConfig{}, events.Discard())
	defer svc.Close()
	svc.SetEnabled(true)

	_, err := svc.ForceSync(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.True(t, svc.Running())

	close(remote.gate)
	require.Eventually(t, func() bool { return !svc.Running() }, 2*time.Second, 5*time.Millisecond)

	report, err := svc.LastResult()
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
}

func TestForceSyncWaitsForFollowUpCycle(t *testing.T) {
	h := newHarness(t)
	remote := newGatedRemote(h)
	svc := sync.NewService(h.newEngine(remote, nil), &sync.ServiceConfig{}, events.Discard())
	defer svc.Close()
	svc.SetEnabled(true)

	require.True(t, svc.Trigger(sync.TriggerTimer))
	<-remote.entered

	var (
		wg     gosync.WaitGroup
		report *models.SyncReport
		err    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		report, err = svc.ForceSync(context.Background(), 2*time.Second)
	}()

	// Let ForceSync queue behind the running timer cycle.
	time.Sleep(20 * time.Millisecond)
	close(remote.gate)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "manual", report.Trigger)
	assert.Equal(t, 2, h.remote.Calls("changed_since"))
}

func TestForceSyncRequiresEnabled(t *testing.T) {
	h := newHarness(t)
	svc := sync.NewService(h.engine, &sync.ServiceConfig{}, events.Discard())

	_, err := svc.ForceSync(context.Background(), time.Second)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	svc.Close()
	svc.SetEnabled(true)
	_, err = svc.ForceSync(context.Background(), time.Second)
	assert.ErrorIs(t, err, models.ErrDisposed)
}

func TestServiceTimer(t *testing.T) {
	h := newHarness(t)
	svc := sync.NewService(h.engine, &sync.ServiceConfig{Interval: 10 * time.Millisecond}, events.Discard())
	svc.SetEnabled(true)
	svc.Start(context.Background())
	h.run(t, txn.Create(models.AggregateList, "L1", []byte(`{}`)))

	require.Eventually(t, func() bool {
		_, err := h.remote.Get(context.Background(), l1)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	svc.Close()
	assert.False(t, svc.Running())
}

func TestBatchProcessor(t *testing.T) {
	keys := make([]models.Key, 10)
	for i := range keys {
		keys[i] = models.NewKey(models.AggregateTask, fmt.Sprintf("t%02d", i))
	}

	t.Run("bounded concurrency", func(t *testing.T) {
		p := sync.NewBatchProcessor(3, 2, nil)

		var active, peak, seen int32
		err := p.Process(context.Background(), keys, func(ctx context.Context, batch []models.Key) error {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&seen, int32(len(batch)))
			atomic.AddInt32(&active, -1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(10), seen)
		assert.LessOrEqual(t, peak, int32(2))
	})

	t.Run("first error returned", func(t *testing.T) {
		p := sync.NewBatchProcessor(5, 1, nil)
		err := p.Process(context.Background(), keys, func(ctx context.Context, batch []models.Key) error {
			return models.ErrUnavailable
		})
		assert.ErrorIs(t, err, models.ErrUnavailable)
	})
}
