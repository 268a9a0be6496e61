package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of local mutation a change log entry records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates an operation name read back from storage.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpCreate, OpUpdate, OpDelete:
		return Operation(s), nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// ChangeLogEntry is one local mutation not yet confirmed by the remote store.
type ChangeLogEntry struct {
	ID           string        `json:"id"`
	RecordID     string        `json:"record_id"`
	Type         AggregateType `json:"aggregate_type"`
	Operation    Operation     `json:"operation"`
	LocalVersion int64         `json:"local_version"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewChangeLogEntry builds an entry for a committed local record.
func NewChangeLogEntry(rec *Record, op Operation, now time.Time) ChangeLogEntry {
	return ChangeLogEntry{
		ID:           uuid.NewString(),
		RecordID:     rec.ID,
		Type:         rec.Type,
		Operation:    op,
		LocalVersion: rec.Version,
		CreatedAt:    now.UTC(),
	}
}

// Key returns the address of the record the entry refers to.
func (e ChangeLogEntry) Key() Key {
	return Key{Type: e.Type, ID: e.RecordID}
}

// OperationFor infers the change log operation that describes rec.
func OperationFor(rec *Record) Operation {
	switch {
	case rec.Deleted:
		return OpDelete
	case rec.BaseVersion == 0:
		return OpCreate
	default:
		return OpUpdate
	}
}
