package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/resolve"
	"github.com/TheMichaelB/recsync/internal/store"
)

// maxReconcileAttempts bounds how often a case is re-resolved when the remote
// keeps moving underneath it.
const maxReconcileAttempts = 3

// UpgradeFunc brings a pulled record to the local schema version.
type UpgradeFunc func(rec *models.Record) (*models.Record, error)

// Engine runs sync cycles between the local and remote stores.
type Engine struct {
	local    store.RecordStore
	remote   store.RemoteStore
	journal  store.Journal
	locker   *store.Locker
	resolver *resolve.Resolver
	upgrade  UpgradeFunc
	clock    clock.Clock
	batch    *BatchProcessor
	logger   *events.Logger

	skew time.Duration

	// Progress tracking
	progress atomic.Value // *Progress
	events   chan Event

	mu sync.Mutex
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Local    store.RecordStore
	Remote   store.RemoteStore
	Journal  store.Journal
	Locker   *store.Locker
	Resolver *resolve.Resolver
	Upgrade  UpgradeFunc
	Clock    clock.Clock
}

// Config contains sync configuration.
type Config struct {
	BatchSize     int
	MaxConcurrent int

	// WatermarkSkew is subtracted from the pull start time before it is
	// stored, so clock drift between the stores cannot skip changes.
	WatermarkSkew time.Duration

	// MaxHeapMB pauses push batches while the heap is above this size. Zero disables.
	MaxHeapMB int64
}

// Progress tracks the running cycle.
type Progress struct {
	CycleID   string
	Trigger   Trigger
	Phase     models.SyncPhase
	Total     int
	Processed int
	StartTime time.Time
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	CycleID   string
	Key       models.Key
	Error     error
	Report    *models.SyncReport
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted   EventType = "started"
	EventPhase     EventType = "phase"
	EventPulled    EventType = "record_pulled"
	EventPushed    EventType = "record_pushed"
	EventConflict  EventType = "conflict"
	EventResolved  EventType = "resolved"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// NewEngine creates a sync engine.
func NewEngine(deps Deps, cfg *Config, logger *events.Logger) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Resolver == nil {
		deps.Resolver = resolve.Default()
	}

	logger = logger.WithField("component", "sync_engine")
	return &Engine{
		local:    deps.Local,
		remote:   deps.Remote,
		journal:  deps.Journal,
		locker:   deps.Locker,
		resolver: deps.Resolver,
		upgrade:  deps.Upgrade,
		clock:    deps.Clock,
		batch:    NewBatchProcessor(cfg.BatchSize, cfg.MaxConcurrent, NewMemoryGuard(cfg.MaxHeapMB, logger)),
		logger:   logger,
		skew:     cfg.WatermarkSkew,
		events:   make(chan Event, 100),
	}
}

// Events returns the event channel. Events are dropped when nobody reads.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// GetProgress returns the progress of the running or last cycle.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// RunCycle performs one pull, push and reconcile pass. The returned report is
// never nil. Errors are *models.SyncError.
func (e *Engine) RunCycle(ctx context.Context, trigger Trigger) (*models.SyncReport, error) {
	report := &models.SyncReport{
		CycleID:   uuid.NewString(),
		Trigger:   string(trigger),
		StartedAt: e.clock.Now(),
		Phase:     models.PhaseIdle,
	}
	ctx = events.WithCycleID(ctx, report.CycleID)
	logger := e.logger.WithFields(map[string]interface{}{
		"cycle_id": report.CycleID,
		"trigger":  string(trigger),
	})

	e.progress.Store(&Progress{
		CycleID:   report.CycleID,
		Trigger:   trigger,
		Phase:     models.PhaseIdle,
		StartTime: report.StartedAt,
	})
	e.emitEvent(Event{Type: EventStarted, Timestamp: report.StartedAt, CycleID: report.CycleID})
	logger.Debug("Starting sync cycle")

	cases := newCaseSet()

	e.enterPhase(report, models.PhasePulling)
	if err := e.pull(ctx, report, cases); err != nil {
		return e.fail(logger, report, models.PhasePulling, err)
	}
	report.Conflicts = cases.len()

	e.enterPhase(report, models.PhasePushing)
	err := e.push(ctx, report, cases)
	report.Conflicts = cases.len()
	if err != nil {
		return e.fail(logger, report, models.PhasePushing, err)
	}

	e.enterPhase(report, models.PhaseReconciling)
	if err := e.reconcile(ctx, report, cases); err != nil {
		return e.fail(logger, report, models.PhaseReconciling, err)
	}

	report.Phase = models.PhaseIdle
	report.FinishedAt = e.clock.Now()
	e.setPhase(models.PhaseIdle)

	fields := map[string]interface{}{
		"pulled":    report.Pulled,
		"applied":   report.Applied,
		"pushed":    report.Pushed,
		"conflicts": report.Conflicts,
		"resolved":  report.Resolved,
		"failures":  len(report.Failures),
		"duration":  report.Duration().String(),
	}

	if len(report.Failures) > 0 {
		err := &models.SyncError{
			Phase:  report.Failures[0].Phase,
			Report: report,
			Err:    fmt.Errorf("%w: %d records failed", models.ErrPartialFailure, len(report.Failures)),
		}
		report.Error = err.Error()
		logger.WithFields(fields).Warn("Sync cycle completed with failures")
		e.emitEvent(Event{Type: EventFailed, Timestamp: report.FinishedAt, CycleID: report.CycleID, Error: err, Report: report})
		return report, err
	}

	logger.WithFields(fields).Info("Sync cycle completed")
	e.emitEvent(Event{Type: EventCompleted, Timestamp: report.FinishedAt, CycleID: report.CycleID, Report: report})
	return report, nil
}

// pull applies remote changes since the watermark. Records with unconfirmed
// local history become conflict cases instead.
func (e *Engine) pull(ctx context.Context, report *models.SyncReport, cases *caseSet) error {
	watermark, err := e.journal.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	pullStart := e.clock.Now()

	changed, err := e.remote.ChangedSince(ctx, watermark)
	if err != nil {
		return fmt.Errorf("list remote changes: %w", err)
	}
	report.Pulled = len(changed)
	e.setTotal(len(changed))

	var (
		applied []pulledWrite
		hold    bool
	)
	for _, rec := range changed {
		if err := ctx.Err(); err != nil {
			return e.rollbackPull(ctx, applied, err)
		}

		write, err := e.pullOne(ctx, rec, report, cases)
		if err != nil {
			var me *models.MigrationError
			if errors.As(err, &me) {
				// Keep the watermark so the record is pulled again once the
				// migration is fixed.
				report.AddFailure(rec.Key(), models.PhasePulling, err)
				hold = true
				continue
			}
			return e.rollbackPull(ctx, applied, fmt.Errorf("apply %s: %w", rec.Key(), err))
		}
		if write != nil {
			applied = append(applied, *write)
			report.Applied++
			e.emitEvent(Event{Type: EventPulled, Timestamp: e.clock.Now(), CycleID: report.CycleID, Key: rec.Key()})
		}
		e.advance()
	}

	if hold {
		return nil
	}
	if err := e.journal.SetWatermark(ctx, pullStart.Add(-e.skew)); err != nil {
		return e.rollbackPull(ctx, applied, fmt.Errorf("store watermark: %w", err))
	}
	return nil
}

type pulledWrite struct {
	key      models.Key
	snapshot *models.Record
}

func (e *Engine) pullOne(ctx context.Context, remote *models.Record, report *models.SyncReport, cases *caseSet) (*pulledWrite, error) {
	key := remote.Key()
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if remote, err = e.upgradeRemote(remote); err != nil {
		return nil, err
	}

	local, err := store.GetOptional(ctx, e.local, key)
	if err != nil {
		return nil, err
	}

	pending, err := e.journal.HasPending(ctx, key)
	if err != nil {
		return nil, err
	}
	if pending || (local != nil && local.Pending()) {
		e.addCase(report, cases, local, remote)
		return nil, nil
	}

	if local != nil && local.Version >= remote.Version {
		return nil, nil
	}

	if _, err := e.local.Put(ctx, remote.Synced()); err != nil {
		return nil, err
	}
	return &pulledWrite{key: key, snapshot: local}, nil
}

// rollbackPull restores the local records this pull overwrote and returns cause.
func (e *Engine) rollbackPull(ctx context.Context, applied []pulledWrite, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		w := applied[i]
		if err := e.restore(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		e.logger.WithError(errors.Join(errs...)).Error("Failed to roll back pulled records")
		return fmt.Errorf("%w (rollback: %v)", cause, errors.Join(errs...))
	}
	if len(applied) > 0 {
		e.logger.WithField("records", len(applied)).Warn("Rolled back pulled records")
	}
	return cause
}

func (e *Engine) restore(ctx context.Context, w pulledWrite) error {
	unlock, err := e.locker.Lock(ctx, w.key)
	if err != nil {
		return fmt.Errorf("restore %s: %w", w.key, err)
	}
	defer unlock()

	if w.snapshot == nil {
		err = e.local.Delete(ctx, w.key)
	} else {
		_, err = e.local.Overwrite(ctx, w.snapshot)
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", w.key, err)
	}
	return nil
}

// push sends pending local changes. Keys already in conflict are left to
// reconciliation.
func (e *Engine) push(ctx context.Context, report *models.SyncReport, cases *caseSet) error {
	entries, err := e.journal.Pending(ctx)
	if err != nil {
		return fmt.Errorf("read change log: %w", err)
	}

	seen := make(map[models.Key]bool)
	var keys []models.Key
	for _, entry := range entries {
		key := entry.Key()
		if seen[key] || cases.has(key) {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	e.setTotal(len(keys))
	if len(keys) == 0 {
		return nil
	}

	return e.batch.Process(ctx, keys, func(ctx context.Context, batch []models.Key) error {
		for _, key := range batch {
			if err := e.pushOne(ctx, key, report, cases); err != nil {
				if models.IsTransient(err) || ctx.Err() != nil {
					return fmt.Errorf("push %s: %w", key, err)
				}
				report.AddFailure(key, models.PhasePushing, err)
				e.logger.WithField("record", key.String()).WithError(err).Warn("Failed to push record")
			}
			e.advance()
		}
		return nil
	})
}

func (e *Engine) pushOne(ctx context.Context, key models.Key, report *models.SyncReport, cases *caseSet) error {
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := store.GetOptional(ctx, e.local, key)
	if err != nil {
		return err
	}
	if rec == nil {
		// Compacted or rolled back since it was journaled.
		_, err := e.journal.Ack(ctx, key, math.MaxInt64)
		return err
	}
	if !rec.Pending() {
		_, err := e.journal.Ack(ctx, key, rec.Version)
		return err
	}

	remote, err := store.GetOptional(ctx, e.remote, key)
	if err != nil {
		return err
	}
	if remote != nil && remote.Version != rec.BaseVersion {
		if remote, err = e.upgradeRemote(remote); err != nil {
			return err
		}
		e.addCase(report, cases, rec, remote)
		return nil
	}

	pushed := rec.Synced()
	if _, err := e.remote.Put(ctx, pushed); err != nil {
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		// Another writer got there between our read and write.
		remote, err = store.GetOptional(ctx, e.remote, key)
		if err != nil {
			return err
		}
		if remote, err = e.upgradeRemote(remote); err != nil {
			return err
		}
		e.addCase(report, cases, rec, remote)
		return nil
	}

	if _, err := e.local.Overwrite(ctx, pushed); err != nil {
		return err
	}
	if _, err := e.journal.Ack(ctx, key, rec.Version); err != nil {
		return err
	}

	report.IncPushed()
	e.emitEvent(Event{Type: EventPushed, Timestamp: e.clock.Now(), CycleID: report.CycleID, Key: key})
	return nil
}

// upgradeRemote brings a remote copy to the local schema before it is
// compared with or written over a local record.
func (e *Engine) upgradeRemote(rec *models.Record) (*models.Record, error) {
	if rec == nil || e.upgrade == nil {
		return rec, nil
	}
	return e.upgrade(rec)
}

// reconcile resolves every case and writes the result to both stores.
func (e *Engine) reconcile(ctx context.Context, report *models.SyncReport, cases *caseSet) error {
	pending := cases.sorted()
	e.setTotal(len(pending))

	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.reconcileOne(ctx, c, report); err != nil {
			if models.IsTransient(err) {
				return fmt.Errorf("reconcile %s: %w", c.Key(), err)
			}
			report.AddFailure(c.Key(), models.PhaseReconciling, err)
			e.logger.WithField("record", c.Key().String()).WithError(err).Warn("Failed to reconcile record")
		}
		e.advance()
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, c *models.ConflictCase, report *models.SyncReport) error {
	key := c.Key()
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	// A transaction may have written since the case was opened.
	if c.Local, err = store.GetOptional(ctx, e.local, key); err != nil {
		return err
	}

	var res *resolve.Resolution
	for attempt := 1; ; attempt++ {
		if res, err = e.resolver.ResolveCase(c); err != nil {
			return err
		}

		err = e.writeRemote(ctx, c.Remote, res.Record)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrVersionConflict) || attempt == maxReconcileAttempts {
			return err
		}
		if c.Remote, err = store.GetOptional(ctx, e.remote, key); err != nil {
			return err
		}
		if c.Remote, err = e.upgradeRemote(c.Remote); err != nil {
			return err
		}
	}

	if c.Local == nil || !c.Local.Identical(res.Record) || c.Local.Pending() {
		if _, err := e.local.Overwrite(ctx, res.Record); err != nil {
			return err
		}
	}

	ackVersion := res.Record.Version
	if c.Local != nil {
		ackVersion = clock.Max(ackVersion, c.Local.Version)
	}
	if _, err := e.journal.Ack(ctx, key, ackVersion); err != nil {
		return err
	}

	report.Resolved++
	logger := e.logger.WithFields(map[string]interface{}{
		"record":   key.String(),
		"winner":   string(res.Winner),
		"outcome":  string(res.Outcome),
		"version":  res.Record.Version,
		"conflict": res.Conflict,
	})

	if res.Conflict {
		audit := models.ConflictAudit{
			RecordID:        key.ID,
			Type:            key.Type,
			Strategy:        c.Strategy,
			Winner:          string(res.Winner),
			ResolvedVersion: res.Record.Version,
			Note:            res.Note,
			ResolvedAt:      e.clock.Now(),
		}
		if c.Local != nil {
			audit.LocalVersion = c.Local.Version
		}
		if c.Remote != nil {
			audit.RemoteVersion = c.Remote.Version
		}
		if err := e.journal.LogConflict(ctx, audit); err != nil {
			logger.WithError(err).Warn("Failed to persist conflict audit")
		}
		logger.Info("Conflict resolved")
	} else {
		logger.Debug("Divergence settled")
	}

	e.emitEvent(Event{Type: EventResolved, Timestamp: e.clock.Now(), CycleID: report.CycleID, Key: key})
	return nil
}

// writeRemote stores resolved unless the remote already holds it.
func (e *Engine) writeRemote(ctx context.Context, current, resolved *models.Record) error {
	if current != nil && current.Version == resolved.Version && current.SameContent(resolved) {
		return nil
	}
	_, err := e.remote.Put(ctx, resolved)
	return err
}

func (e *Engine) addCase(report *models.SyncReport, cases *caseSet, local, remote *models.Record) {
	c := models.NewConflictCase(local, remote, e.resolver.Strategy(), e.clock.Now())
	if !cases.add(c) {
		return
	}
	e.logger.WithField("record", c.Key().String()).Debug("Conflict case opened")
	e.emitEvent(Event{Type: EventConflict, Timestamp: c.DetectedAt, CycleID: report.CycleID, Key: c.Key()})
}

func (e *Engine) fail(logger *events.Logger, report *models.SyncReport, phase models.SyncPhase, err error) (*models.SyncReport, error) {
	report.Phase = models.PhaseFailed
	report.Error = err.Error()
	report.FinishedAt = e.clock.Now()
	e.setPhase(models.PhaseFailed)

	syncErr := &models.SyncError{Phase: phase, Report: report, Err: err}
	logger = logger.WithField("phase", string(phase)).WithError(err)
	if syncErr.Transient() {
		logger.Warn("Sync cycle deferred")
	} else {
		logger.Error("Sync cycle failed")
	}

	e.emitEvent(Event{Type: EventFailed, Timestamp: report.FinishedAt, CycleID: report.CycleID, Error: syncErr, Report: report})
	return report, syncErr
}

// Progress helpers

func (e *Engine) enterPhase(report *models.SyncReport, phase models.SyncPhase) {
	report.Phase = phase
	e.setPhase(phase)
	e.emitEvent(Event{Type: EventPhase, Timestamp: e.clock.Now(), CycleID: report.CycleID})
}

func (e *Engine) setPhase(phase models.SyncPhase) {
	e.updateProgress(func(p *Progress) {
		p.Phase = phase
		p.Total = 0
		p.Processed = 0
	})
}

func (e *Engine) setTotal(n int) {
	e.updateProgress(func(p *Progress) { p.Total = n })
}

func (e *Engine) advance() {
	e.updateProgress(func(p *Progress) { p.Processed++ })
}

func (e *Engine) updateProgress(fn func(p *Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.GetProgress()
	if current == nil {
		return
	}
	updated := *current
	fn(&updated)
	e.progress.Store(&updated)
}

func (e *Engine) emitEvent(event Event) {
	select {
	case e.events <- event:
	default:
		// Channel full, drop event
	}
}

// caseSet collects conflict cases of one cycle. Safe for concurrent use.
type caseSet struct {
	mu    sync.Mutex
	cases map[models.Key]*models.ConflictCase
}

func newCaseSet() *caseSet {
	return &caseSet{cases: make(map[models.Key]*models.ConflictCase)}
}

// add stores c unless its key already has a case.
func (s *caseSet) add(c *models.ConflictCase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.Key()]; ok {
		return false
	}
	s.cases[c.Key()] = c
	return true
}

func (s *caseSet) has(key models.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cases[key]
	return ok
}

func (s *caseSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cases)
}

func (s *caseSet) sorted() []*models.ConflictCase {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ConflictCase, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}
