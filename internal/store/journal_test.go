package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

func TestMemoryJournal(t *testing.T) {
	testJournalOperations(t, store.NewMemoryJournal())
}

func TestSQLiteJournal(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"), events.Discard())
	require.NoError(t, err)
	defer s.Close()

	testJournalOperations(t, s.Journal())
}

func testJournalOperations(t *testing.T, j store.Journal) {
	ctx := context.Background()
	l1 := newRecord(models.AggregateList, "L1", 1, `{}`)
	t1 := newRecord(models.AggregateTask, "t1", 1, `{}`)

	t.Run("empty", func(t *testing.T) {
		pending, err := j.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		wm, err := j.Watermark(ctx)
		require.NoError(t, err)
		assert.True(t, wm.IsZero())
	})

	t.Run("append and pending order", func(t *testing.T) {
		e1 := models.NewChangeLogEntry(l1, models.OpCreate, t0)
		e2 := models.NewChangeLogEntry(t1, models.OpCreate, t0.Add(time.Second))
		l1v2 := l1.Clone()
		l1v2.Version = 2
		e3 := models.NewChangeLogEntry(l1v2, models.OpUpdate, t0.Add(2*time.Second))

		require.NoError(t, j.Append(ctx, e1, e2, e3))

		pending, err := j.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, e1.ID, pending[0].ID)
		assert.Equal(t, models.OpUpdate, pending[2].Operation)
		assert.Equal(t, int64(2), pending[2].LocalVersion)
		assert.True(t, pending[0].CreatedAt.Equal(t0))
	})

	t.Run("has pending", func(t *testing.T) {
		ok, err := j.HasPending(ctx, l1.Key())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = j.HasPending(ctx, models.NewKey(models.AggregateHabit, "none"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ack removes only confirmed versions", func(t *testing.T) {
		n, err := j.Ack(ctx, l1.Key(), 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ok, err := j.HasPending(ctx, l1.Key())
		require.NoError(t, err)
		assert.True(t, ok, "version 2 entry must survive")

		n, err = j.Ack(ctx, l1.Key(), 5)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		pending, err := j.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "t1", pending[0].RecordID)
	})

	t.Run("watermark", func(t *testing.T) {
		wm := t0.Add(90 * time.Minute)
		require.NoError(t, j.SetWatermark(ctx, wm))

		got, err := j.Watermark(ctx)
		require.NoError(t, err)
		assert.True(t, wm.Equal(got))
	})

	t.Run("conflict audit newest first", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			require.NoError(t, j.LogConflict(ctx, models.ConflictAudit{
				RecordID:        "L1",
				Type:            models.AggregateList,
				Strategy:        models.StrategyLastWriteWins,
				Winner:          "remote",
				ResolvedVersion: i,
				Note:            "concurrent edit",
				ResolvedAt:      t0,
			}))
		}

		audits, err := j.Conflicts(ctx, 2)
		require.NoError(t, err)
		require.Len(t, audits, 2)
		assert.Equal(t, int64(3), audits[0].ResolvedVersion)
		assert.Equal(t, models.StrategyLastWriteWins, audits[0].Strategy)

		all, err := j.Conflicts(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
