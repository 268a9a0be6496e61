// Package compact removes tombstones that every replica has already seen.
package compact

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

// Options control one compaction run.
type Options struct {
	// Retention is how long a tombstone is kept after its deletion so that
	// other devices can pull it.
	Retention time.Duration
	DryRun    bool

	// MaxDeletes stops the run after this many removals. Zero is unlimited.
	MaxDeletes int
}

// Report summarizes a compaction run.
type Report struct {
	Scanned    int          `json:"scanned"`
	Tombstones int          `json:"tombstones"`
	Removed    []models.Key `json:"removed"`
	Cutoff     time.Time    `json:"cutoff"`
	DryRun     bool         `json:"dry_run"`
	Truncated  bool         `json:"truncated,omitempty"`
}

// Compactor physically deletes expired tombstones from one store.
type Compactor struct {
	store   store.RecordStore
	journal store.Journal
	locker  *store.Locker
	clock   clock.Clock
	logger  *events.Logger
}

// New creates a compactor. journal and locker may be nil for stores that
// have no change log, such as the remote table.
func New(s store.RecordStore, journal store.Journal, locker *store.Locker, c clock.Clock, logger *events.Logger) *Compactor {
	if c == nil {
		c = clock.System{}
	}
	return &Compactor{
		store:   s,
		journal: journal,
		locker:  locker,
		clock:   c,
		logger:  logger.WithFields(map[string]interface{}{"component": "compactor", "store": s.Name()}),
	}
}

// Expired reports whether rec is a confirmed tombstone older than cutoff.
func Expired(rec *models.Record, cutoff time.Time) bool {
	return rec.Deleted && !rec.Pending() && rec.UpdatedAt.Before(cutoff)
}

// Run scans every aggregate type and removes expired tombstones.
func (c *Compactor) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{
		Cutoff: c.clock.Now().Add(-opts.Retention),
		DryRun: opts.DryRun,
	}

scan:
	for _, t := range models.AggregateTypes() {
		recs, err := c.store.ListByType(ctx, t)
		if err != nil {
			return report, fmt.Errorf("list %s records: %w", t, err)
		}

		for _, rec := range recs {
			if opts.MaxDeletes > 0 && len(report.Removed) >= opts.MaxDeletes {
				report.Truncated = true
				break scan
			}
			report.Scanned++
			if !rec.Deleted {
				continue
			}
			report.Tombstones++
			if !Expired(rec, report.Cutoff) {
				continue
			}

			removed, err := c.remove(ctx, rec.Key(), report.Cutoff, opts.DryRun)
			if err != nil {
				return report, fmt.Errorf("compact %s: %w", rec.Key(), err)
			}
			if removed {
				report.Removed = append(report.Removed, rec.Key())
			}
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"scanned":    report.Scanned,
		"tombstones": report.Tombstones,
		"removed":    len(report.Removed),
		"dry_run":    opts.DryRun,
		"truncated":  report.Truncated,
	}).Info("Compaction complete")

	return report, nil
}

func (c *Compactor) remove(ctx context.Context, key models.Key, cutoff time.Time, dryRun bool) (bool, error) {
	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, key)
		if err != nil {
			return false, err
		}
		defer unlock()
	}

	// Re-read under the lock: the record may have been revived or synced.
	rec, err := store.GetOptional(ctx, c.store, key)
	if err != nil || rec == nil || !Expired(rec, cutoff) {
		return false, err
	}

	if c.journal != nil {
		pending, err := c.journal.HasPending(ctx, key)
		if err != nil || pending {
			return false, err
		}
	}

	if dryRun {
		return true, nil
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return false, err
	}

	c.logger.WithField("record", key.String()).Debug("Removed tombstone")
	return true, nil
}
