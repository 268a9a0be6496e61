package models

import (
	"sync"
	"time"
)

// SyncPhase is a state of the sync cycle state machine.
type SyncPhase string

const (
	PhaseIdle        SyncPhase = "idle"
	PhasePulling     SyncPhase = "pulling"
	PhasePushing     SyncPhase = "pushing"
	PhaseReconciling SyncPhase = "reconciling"
	PhaseFailed      SyncPhase = "failed"
)

// RecordFailure describes a record a cycle could not process.
type RecordFailure struct {
	Key    Key       `json:"key"`
	Phase  SyncPhase `json:"phase"`
	Reason string    `json:"reason"`
}

// SyncReport summarizes one sync cycle.
type SyncReport struct {
	mu sync.Mutex

	CycleID    string          `json:"cycle_id"`
	Trigger    string          `json:"trigger,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Phase      SyncPhase       `json:"phase"`
	Pulled     int             `json:"pulled"`
	Applied    int             `json:"applied"`
	Pushed     int             `json:"pushed"`
	Conflicts  int             `json:"conflicts"`
	Resolved   int             `json:"resolved"`
	Failures   []RecordFailure `json:"failures,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// AddFailure records a per-record failure. Safe for concurrent use.
func (r *SyncReport) AddFailure(key Key, phase SyncPhase, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, RecordFailure{Key: key, Phase: phase, Reason: err.Error()})
}

// IncPushed counts a confirmed push. Safe for concurrent use.
func (r *SyncReport) IncPushed() {
	r.mu.Lock()
	r.Pushed++
	r.mu.Unlock()
}

// Duration returns how long the cycle ran.
func (r *SyncReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the cycle finished every phase without failures.
func (r *SyncReport) Succeeded() bool {
	return r.Phase == PhaseIdle && r.Error == "" && len(r.Failures) == 0
}
