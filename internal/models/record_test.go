package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/models"
)

func TestRecordValidate(t *testing.T) {
	valid := func() *models.Record {
		return &models.Record{
			ID:          "L1",
			Type:        models.AggregateList,
			Payload:     []byte(`{"name":"Groceries"}`),
			Version:     2,
			BaseVersion: 1,
			UpdatedAt:   time.Now(),
		}
	}

	tests := []struct {
		name    string
		modify  func(r *models.Record)
		wantErr bool
	}{
		{"valid", func(r *models.Record) {}, false},
		{"missing id", func(r *models.Record) { r.ID = "" }, true},
		{"unknown type", func(r *models.Record) { r.Type = "note" }, true},
		{"zero version", func(r *models.Record) { r.Version = 0 }, true},
		{"base ahead of version", func(r *models.Record) { r.BaseVersion = 3 }, true},
		{"negative schema", func(r *models.Record) { r.SchemaVersion = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid()
			tt.modify(rec)
			err := rec.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, models.ErrInvalidRecord))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecordClone(t *testing.T) {
	orig := &models.Record{ID: "t1", Type: models.AggregateTask, Payload: []byte("abc"), Version: 1}
	c := orig.Clone()
	c.Payload[0] = 'x'
	c.Version = 9

	assert.Equal(t, "abc", string(orig.Payload))
	assert.Equal(t, int64(1), orig.Version)

	var nilRec *models.Record
	assert.Nil(t, nilRec.Clone())
}

func TestDescendsFrom(t *testing.T) {
	base := &models.Record{Version: 1, BaseVersion: 1}

	tests := []struct {
		name  string
		child *models.Record
		want  bool
	}{
		{"edited after sync", &models.Record{Version: 2, BaseVersion: 1}, true},
		{"synced later", &models.Record{Version: 3, BaseVersion: 3}, true},
		{"same version", &models.Record{Version: 1, BaseVersion: 1}, false},
		{"never synced", &models.Record{Version: 4, BaseVersion: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.child.DescendsFrom(base))
		})
	}

	concurrentLocal := &models.Record{Version: 2, BaseVersion: 1}
	concurrentRemote := &models.Record{Version: 2, BaseVersion: 2}
	assert.False(t, concurrentLocal.DescendsFrom(concurrentRemote))
	assert.False(t, concurrentRemote.DescendsFrom(concurrentLocal))

	// A remote that moved on twice is still concurrent with a pending local edit.
	movedRemote := &models.Record{Version: 3, BaseVersion: 3}
	assert.False(t, movedRemote.DescendsFrom(concurrentLocal))
	assert.False(t, concurrentLocal.DescendsFrom(movedRemote))
}

func TestPendingAndSynced(t *testing.T) {
	rec := &models.Record{ID: "h1", Type: models.AggregateHabit, Version: 3, BaseVersion: 1}
	assert.True(t, rec.Pending())

	synced := rec.Synced()
	assert.False(t, synced.Pending())
	assert.Equal(t, int64(3), synced.BaseVersion)
	assert.Equal(t, int64(1), rec.BaseVersion)
}

func TestParseAggregateType(t *testing.T) {
	got, err := models.ParseAggregateType("Items")
	require.NoError(t, err)
	assert.Equal(t, models.AggregateListItem, got)

	_, err = models.ParseAggregateType("notes")
	assert.ErrorIs(t, err, models.ErrInvalidRecord)
}

func TestKeyOrdering(t *testing.T) {
	a := models.NewKey(models.AggregateList, "b")
	b := models.NewKey(models.AggregateList, "c")
	c := models.NewKey(models.AggregateTask, "a")

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, "task/a", c.String())
}

func TestOperationFor(t *testing.T) {
	assert.Equal(t, models.OpCreate, models.OperationFor(&models.Record{Version: 1}))
	assert.Equal(t, models.OpCreate, models.OperationFor(&models.Record{Version: 3}))
	assert.Equal(t, models.OpUpdate, models.OperationFor(&models.Record{Version: 3, BaseVersion: 2}))
	assert.Equal(t, models.OpDelete, models.OperationFor(&models.Record{Version: 3, BaseVersion: 2, Deleted: true}))
}
