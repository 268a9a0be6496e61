package models

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// AggregateType identifies the kind of entity a record holds.
type AggregateType string

const (
	AggregateList     AggregateType = "list"
	AggregateListItem AggregateType = "list_item"
	AggregateTask     AggregateType = "task"
	AggregateHabit    AggregateType = "habit"
)

// AggregateTypes returns every known aggregate type in a stable order.
func AggregateTypes() []AggregateType {
	return []AggregateType{AggregateList, AggregateListItem, AggregateTask, AggregateHabit}
}

// Valid reports whether t is a known aggregate type.
func (t AggregateType) Valid() bool {
	switch t {
	case AggregateList, AggregateListItem, AggregateTask, AggregateHabit:
		return true
	default:
		return false
	}
}

// ParseAggregateType accepts the canonical name plus a few CLI friendly aliases.
func ParseAggregateType(s string) (AggregateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "list", "lists":
		return AggregateList, nil
	case "list_item", "listitem", "item", "items":
		return AggregateListItem, nil
	case "task", "tasks":
		return AggregateTask, nil
	case "habit", "habits":
		return AggregateHabit, nil
	default:
		return "", fmt.Errorf("%w: unknown aggregate type %q", ErrInvalidRecord, s)
	}
}

// Key addresses a single record.
type Key struct {
	Type AggregateType `json:"aggregate_type"`
	ID   string        `json:"id"`
}

// NewKey builds a record key.
func NewKey(t AggregateType, id string) Key {
	return Key{Type: t, ID: id}
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// Less orders keys by type, then id. Lock acquisition relies on this order.
func (k Key) Less(other Key) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	return k.ID < other.ID
}

// Record is the unit of persistence shared by the local and remote stores.
type Record struct {
	ID            string        `json:"id"`
	Type          AggregateType `json:"aggregate_type"`
	Payload       []byte        `json:"payload"`
	Version       int64         `json:"version"`
	BaseVersion   int64         `json:"base_version"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Deleted       bool          `json:"deleted"`
	SchemaVersion int           `json:"schema_version"`
}

// Key returns the record's address.
func (r *Record) Key() Key {
	return Key{Type: r.Type, ID: r.ID}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}

// Validate checks the structural invariants every store relies on.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown aggregate type %q", ErrInvalidRecord, r.Type)
	}
	if r.Version < 1 {
		return fmt.Errorf("%w: version must be at least 1, got %d", ErrInvalidRecord, r.Version)
	}
	if r.BaseVersion < 0 || r.BaseVersion > r.Version {
		return fmt.Errorf("%w: base version %d outside [0, %d]", ErrInvalidRecord, r.BaseVersion, r.Version)
	}
	if r.SchemaVersion < 0 {
		return fmt.Errorf("%w: negative schema version", ErrInvalidRecord)
	}
	return nil
}

// Pending reports whether the record carries local history the remote has not confirmed.
func (r *Record) Pending() bool {
	return r.Version > r.BaseVersion
}

// Synced returns a copy stamped as present in both stores at its current version.
func (r *Record) Synced() *Record {
	c := r.Clone()
	c.BaseVersion = c.Version
	return c
}

// DescendsFrom reports whether r is a strict causal descendant of other:
// other is a state confirmed in both stores, r is newer, and r was derived
// from a state at or after other's version. Versions alone cannot order two
// unconfirmed histories, so a pending other never has descendants.
func (r *Record) DescendsFrom(other *Record) bool {
	return !other.Pending() && r.Version > other.Version && r.BaseVersion >= other.Version
}

// SameContent reports whether both records carry identical payload bytes and
// tombstone flag.
func (r *Record) SameContent(other *Record) bool {
	return r.Deleted == other.Deleted && bytes.Equal(r.Payload, other.Payload)
}

// Identical reports whether two records are indistinguishable in every
// replicated field.
func (r *Record) Identical(other *Record) bool {
	return r.SameContent(other) &&
		r.Version == other.Version &&
		r.UpdatedAt.Equal(other.UpdatedAt) &&
		r.SchemaVersion == other.SchemaVersion
}
