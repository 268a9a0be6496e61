package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// Epoch is the fixed start time used by record fixtures.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// NewTestLogger creates a debug logger writing JSON into buf.
func NewTestLogger(buf *bytes.Buffer) *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", buf)
}

// RecordOption adjusts a fixture record.
type RecordOption func(*models.Record)

// WithVersion sets the version and, for a synced record, the base version.
func WithVersion(version, base int64) RecordOption {
	return func(r *models.Record) {
		r.Version = version
		r.BaseVersion = base
	}
}

// WithPayload sets a JSON payload.
func WithPayload(v interface{}) RecordOption {
	return func(r *models.Record) {
		r.Payload = MustJSON(v)
	}
}

// WithUpdatedAt sets the last modification time.
func WithUpdatedAt(t time.Time) RecordOption {
	return func(r *models.Record) {
		r.UpdatedAt = t
	}
}

// Tombstone marks the record deleted.
func Tombstone() RecordOption {
	return func(r *models.Record) {
		r.Deleted = true
	}
}

// WithSchema sets the schema version.
func WithSchema(v int) RecordOption {
	return func(r *models.Record) {
		r.SchemaVersion = v
	}
}

// NewRecord builds a pending version 1 record.
func NewRecord(t models.AggregateType, id string, opts ...RecordOption) *models.Record {
	rec := &models.Record{
		ID:            id,
		Type:          t,
		Payload:       MustJSON(map[string]string{"name": id}),
		Version:       1,
		UpdatedAt:     Epoch,
		SchemaVersion: 1,
	}
	for _, opt := range opts {
		opt(rec)
	}
	return rec
}

// Records builds n synced records of one type named <prefix>-<i>.
func Records(t models.AggregateType, prefix string, n int) []*models.Record {
	recs := make([]*models.Record, n)
	for i := range recs {
		recs[i] = NewRecord(t, fmt.Sprintf("%s-%03d", prefix, i), WithVersion(1, 1))
	}
	return recs
}

// MustJSON marshals v or panics.
func MustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("marshal fixture: %w", err))
	}
	return data
}

// Field decodes one top-level field of a JSON payload.
func Field(payload []byte, name string) interface{} {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	return doc[name]
}
