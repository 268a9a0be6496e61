package models

import "time"

// ResolutionStrategy names how a conflict is settled.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	StrategyFieldMerge    ResolutionStrategy = "field_merge"
	StrategyManualReview  ResolutionStrategy = "manual_review"
)

// ConflictCase pairs the local and remote copies of a record whose histories
// both moved since their last common state.
type ConflictCase struct {
	RecordID   string             `json:"record_id"`
	Type       AggregateType      `json:"aggregate_type"`
	Local      *Record            `json:"local"`
	Remote     *Record            `json:"remote"`
	Strategy   ResolutionStrategy `json:"strategy"`
	Resolved   *Record            `json:"resolved,omitempty"`
	Note       string             `json:"note,omitempty"`
	DetectedAt time.Time          `json:"detected_at"`
}

// NewConflictCase registers an unresolved case.
func NewConflictCase(local, remote *Record, strategy ResolutionStrategy, now time.Time) *ConflictCase {
	c := &ConflictCase{
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		Strategy:   strategy,
		DetectedAt: now.UTC(),
	}
	switch {
	case local != nil:
		c.RecordID, c.Type = local.ID, local.Type
	case remote != nil:
		c.RecordID, c.Type = remote.ID, remote.Type
	}
	return c
}

// Key returns the address of the conflicting record.
func (c *ConflictCase) Key() Key {
	return Key{Type: c.Type, ID: c.RecordID}
}

// IsResolved reports whether a resolved record has been assigned.
func (c *ConflictCase) IsResolved() bool {
	return c.Resolved != nil
}

// ConflictAudit is the persisted trace of a resolved conflict.
type ConflictAudit struct {
	RecordID        string             `json:"record_id"`
	Type            AggregateType      `json:"aggregate_type"`
	Strategy        ResolutionStrategy `json:"strategy"`
	Winner          string             `json:"winner"`
	LocalVersion    int64              `json:"local_version"`
	RemoteVersion   int64              `json:"remote_version"`
	ResolvedVersion int64              `json:"resolved_version"`
	Note            string             `json:"note"`
	ResolvedAt      time.Time          `json:"resolved_at"`
}
