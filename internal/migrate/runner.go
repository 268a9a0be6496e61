// Package migrate upgrades stored record payloads between schema versions.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

// ApplyFunc transforms one payload. It must leave an already migrated
// payload unchanged.
type ApplyFunc func(payload []byte) ([]byte, error)

// Step moves records from schema version From to To.
type Step struct {
	ID   string
	From int
	To   int

	// Types limits the step to some aggregate types. Records of other types
	// still advance to To without a payload change.
	Types []models.AggregateType

	Apply ApplyFunc
}

func (s Step) covers(t models.AggregateType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, st := range s.Types {
		if st == t {
			return true
		}
	}
	return false
}

// Validate checks that steps are ordered and do not overlap.
func Validate(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		switch {
		case s.ID == "":
			return fmt.Errorf("step %d: id is required", i)
		case seen[s.ID]:
			return fmt.Errorf("step %s: duplicate id", s.ID)
		case s.From < 0 || s.From >= s.To:
			return fmt.Errorf("step %s: invalid range %d -> %d", s.ID, s.From, s.To)
		case s.Apply == nil:
			return fmt.Errorf("step %s: apply function is required", s.ID)
		case i > 0 && s.From < steps[i-1].To:
			return fmt.Errorf("step %s: starts at %d before previous step ends at %d", s.ID, s.From, steps[i-1].To)
		}
		seen[s.ID] = true
	}
	return nil
}

// Target returns the schema version a plan ends at.
func Target(steps []Step) int {
	if len(steps) == 0 {
		return 0
	}
	return steps[len(steps)-1].To
}

// Report summarizes one migration run.
type Report struct {
	Target     int                      `json:"target"`
	Scanned    int                      `json:"scanned"`
	Migrated   int                      `json:"migrated"`
	Skipped    int                      `json:"skipped"`
	Failures   []*models.MigrationError `json:"failures,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
}

// Exceeds reports whether more records failed than threshold allows.
func (r *Report) Exceeds(threshold int) bool {
	return len(r.Failures) > threshold
}

// Err summarizes the failures as an ErrPartialFailure, or nil.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d records failed to migrate, first: %v",
		models.ErrPartialFailure, len(r.Failures), r.Scanned, r.Failures[0])
}

// Runner migrates every record of a store.
type Runner struct {
	store  store.RecordStore
	steps  []Step
	logger *events.Logger
}

// NewRunner creates a runner for a validated plan.
func NewRunner(s store.RecordStore, steps []Step, logger *events.Logger) (*Runner, error) {
	if err := Validate(steps); err != nil {
		return nil, &models.MigrationError{Step: "plan", Err: err}
	}
	return &Runner{
		store:  s,
		steps:  steps,
		logger: logger.WithField("component", "migration_runner"),
	}, nil
}

// Target returns the schema version records are migrated to.
func (r *Runner) Target() int {
	return Target(r.steps)
}

// Run migrates every record below the target version. Per-record failures
// are collected in the report; the returned error is set only when the store
// cannot be scanned.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Target:    r.Target(),
		StartedAt: time.Now(),
	}

	for _, t := range models.AggregateTypes() {
		recs, err := r.store.ListByType(ctx, t)
		if err != nil {
			return report, &models.MigrationError{Step: "scan", Err: fmt.Errorf("list %s: %w", t, err)}
		}

		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return report, &models.MigrationError{Step: "scan", Err: err}
			}
			report.Scanned++
			r.migrateOne(ctx, rec, report)
		}
	}

	report.FinishedAt = time.Now()

	r.logger.WithFields(map[string]interface{}{
		"target":   report.Target,
		"scanned":  report.Scanned,
		"migrated": report.Migrated,
		"skipped":  report.Skipped,
		"failed":   len(report.Failures),
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Migration run complete")

	return report, nil
}

func (r *Runner) migrateOne(ctx context.Context, rec *models.Record, report *Report) {
	if rec.SchemaVersion >= report.Target {
		report.Skipped++
		return
	}

	upgraded, stepErr := r.Upgrade(rec)

	if upgraded.SchemaVersion > rec.SchemaVersion {
		if _, err := r.store.Overwrite(ctx, upgraded); err != nil {
			report.Failures = append(report.Failures, &models.MigrationError{
				Step: "persist",
				Key:  rec.Key(),
				Err:  err,
			})
			return
		}
		report.Migrated++
	}

	if stepErr != nil {
		report.Failures = append(report.Failures, stepErr)
		r.logger.WithFields(map[string]interface{}{
			"record":         rec.Key().String(),
			"schema_version": upgraded.SchemaVersion,
		}).WithError(stepErr).Warn("Record left partially migrated")
	}
}

// Upgrade applies the plan to a copy of rec in memory. On failure the copy is
// returned at its last successfully reached schema version with the error.
func (r *Runner) Upgrade(rec *models.Record) (*models.Record, *models.MigrationError) {
	return Upgrade(rec, r.steps)
}

// Upgrade applies steps to a copy of rec.
func Upgrade(rec *models.Record, steps []Step) (*models.Record, *models.MigrationError) {
	out := rec.Clone()
	for _, step := range steps {
		if step.To <= out.SchemaVersion {
			continue
		}
		if step.covers(out.Type) {
			payload, err := step.Apply(out.Payload)
			if err != nil {
				return out, &models.MigrationError{Step: step.ID, Key: out.Key(), Err: err}
			}
			out.Payload = payload
		}
		out.SchemaVersion = step.To
	}
	return out, nil
}
