// Package coordinator is the single entry point applications use to read,
// write and synchronize records.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/migrate"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/resolve"
	syncsvc "github.com/TheMichaelB/recsync/internal/services/sync"
	"github.com/TheMichaelB/recsync/internal/store"
	"github.com/TheMichaelB/recsync/internal/txn"
)

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateReady
	stateDisposed
)

// Options wires a Coordinator. Local and Journal are required; a nil Remote
// keeps the coordinator local-only regardless of authentication.
type Options struct {
	Local    store.RecordStore
	Journal  store.Journal
	Remote   store.RemoteStore
	Locker   *store.Locker
	Resolver *resolve.Resolver
	Clock    clock.Clock

	// Steps is the migration plan; nil uses migrate.DefaultSteps.
	Steps []migrate.Step

	// MigrationErrorThreshold is how many records may fail migration before
	// Initialize refuses to start.
	MigrationErrorThreshold int

	Sync        syncsvc.Config
	SyncService syncsvc.ServiceConfig

	Logger *events.Logger
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Initialized   bool               `json:"initialized"`
	Authenticated bool               `json:"authenticated"`
	RemoteEnabled bool               `json:"remote_enabled"`
	Syncing       bool               `json:"syncing"`
	PendingCount  int                `json:"pending_changes"`
	Watermark     time.Time          `json:"watermark"`
	SchemaVersion int                `json:"schema_version"`
	LastSync      *models.SyncReport `json:"last_sync,omitempty"`
	LastSyncError string             `json:"last_sync_error,omitempty"`
	Progress      *syncsvc.Progress  `json:"progress,omitempty"`
	Migration     *migrate.Report    `json:"migration,omitempty"`
}

// Coordinator owns the transaction manager, migration runner and sync service.
type Coordinator struct {
	local   store.RecordStore
	journal store.Journal
	remote  store.RemoteStore
	locker  *store.Locker
	clock   clock.Clock
	logger  *events.Logger

	steps     []migrate.Step
	threshold int

	txn      *txn.Manager
	migrator *migrate.Runner
	sync     *syncsvc.Service

	mu            sync.RWMutex
	state         lifecycle
	authenticated bool
	migration     *migrate.Report

	watchCtx    context.Context
	cancelWatch context.CancelFunc
	watchers    sync.WaitGroup
}

// New builds a coordinator. Nothing touches storage until Initialize.
func New(opts Options) (*Coordinator, error) {
	if opts.Local == nil || opts.Journal == nil {
		return nil, fmt.Errorf("%w: local store and journal are required", models.ErrInvalidConfig)
	}
	if opts.Logger == nil {
		opts.Logger = events.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Locker == nil {
		opts.Locker = store.NewLocker(store.DefaultLockTimeout)
	}
	if opts.Resolver == nil {
		opts.Resolver = resolve.Default()
	}
	if opts.Steps == nil {
		opts.Steps = migrate.DefaultSteps()
	}

	logger := opts.Logger.WithField("component", "coordinator")

	migrator, err := migrate.NewRunner(opts.Local, opts.Steps, opts.Logger)
	if err != nil {
		return nil, err
	}

	schemaVersion := migrator.Target()
	if schemaVersion == 0 {
		schemaVersion = migrate.BaseSchemaVersion
	}

	c := &Coordinator{
		local:     opts.Local,
		journal:   opts.Journal,
		remote:    opts.Remote,
		locker:    opts.Locker,
		clock:     opts.Clock,
		logger:    logger,
		steps:     opts.Steps,
		threshold: opts.MigrationErrorThreshold,
		txn:       txn.NewManager(opts.Local, opts.Journal, opts.Locker, opts.Clock, schemaVersion, opts.Logger),
		migrator:  migrator,
	}

	if opts.Remote != nil {
		engine := syncsvc.NewEngine(syncsvc.Deps{
			Local:    opts.Local,
			Remote:   opts.Remote,
			Journal:  opts.Journal,
			Locker:   opts.Locker,
			Resolver: opts.Resolver,
			Upgrade:  c.upgrade,
			Clock:    opts.Clock,
		}, &opts.Sync, opts.Logger)
		c.sync = syncsvc.NewService(engine, &opts.SyncService, opts.Logger)
	}

	c.watchCtx, c.cancelWatch = context.WithCancel(context.Background())
	return c, nil
}

// Initialize migrates stored records and selects the operating mode. It
// fails when more records failed to migrate than the configured threshold.
func (c *Coordinator) Initialize(ctx context.Context, authenticated bool) error {
	c.mu.Lock()
	switch c.state {
	case stateDisposed:
		c.mu.Unlock()
		return &models.CoordinatorError{Op: "initialize", Err: models.ErrDisposed}
	case stateReady:
		c.mu.Unlock()
		return nil
	}

	report, err := c.migrator.Run(ctx)
	c.migration = report
	if err != nil {
		c.mu.Unlock()
		return &models.CoordinatorError{Op: "initialize", Err: err}
	}
	if report.Exceeds(c.threshold) {
		c.mu.Unlock()
		c.logger.WithFields(map[string]interface{}{
			"failures":  len(report.Failures),
			"threshold": c.threshold,
		}).Error("Refusing to start with failed migrations")
		return &models.CoordinatorError{Op: "initialize", Err: report.Err()}
	}

	c.state = stateReady
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"authenticated":  authenticated,
		"remote_enabled": c.sync != nil,
		"schema_version": report.Target,
	}).Info("Coordinator initialized")

	if c.sync != nil {
		c.sync.Start(c.watchCtx)
	}
	if authenticated {
		return c.SetAuthenticated(ctx, true)
	}
	return nil
}

func (c *Coordinator) ready(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case stateCreated:
		return &models.CoordinatorError{Op: op, Err: models.ErrNotInitialized}
	case stateDisposed:
		return &models.CoordinatorError{Op: op, Err: models.ErrDisposed}
	}
	return nil
}

// online reports whether writes are journaled for sync.
func (c *Coordinator) online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated && c.sync != nil
}

// Create writes a new record, or revives a tombstone.
func (c *Coordinator) Create(ctx context.Context, t models.AggregateType, id string, payload []byte) (*models.Record, error) {
	return c.single(ctx, "create", txn.Create(t, id, payload))
}

// Update replaces the payload of a live record.
func (c *Coordinator) Update(ctx context.Context, t models.AggregateType, id string, payload []byte) (*models.Record, error) {
	return c.single(ctx, "update", txn.Update(t, id, payload))
}

// Delete tombstones a live record and returns the tombstone.
func (c *Coordinator) Delete(ctx context.Context, t models.AggregateType, id string) (*models.Record, error) {
	return c.single(ctx, "delete", txn.Delete(t, id))
}

func (c *Coordinator) single(ctx context.Context, op string, mut txn.Mutation) (*models.Record, error) {
	recs, err := c.transaction(ctx, op, []txn.Mutation{mut})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// Transaction applies mutations atomically to the local store. When online
// the changes are queued for the next sync cycle.
func (c *Coordinator) Transaction(ctx context.Context, muts []txn.Mutation) ([]*models.Record, error) {
	return c.transaction(ctx, "transaction", muts)
}

func (c *Coordinator) transaction(ctx context.Context, op string, muts []txn.Mutation) ([]*models.Record, error) {
	if err := c.ready(op); err != nil {
		return nil, err
	}

	recs, err := c.txn.Run(ctx, muts, txn.Options{Journal: c.online()})
	if err != nil {
		return nil, &models.CoordinatorError{Op: op, Err: err}
	}
	return recs, nil
}

// Get returns a live record from the local store. Tombstones read as not found.
func (c *Coordinator) Get(ctx context.Context, t models.AggregateType, id string) (*models.Record, error) {
	if err := c.ready("get"); err != nil {
		return nil, err
	}

	rec, err := c.local.Get(ctx, models.NewKey(t, id))
	if err != nil {
		return nil, &models.CoordinatorError{Op: "get", Err: err}
	}
	if rec.Deleted {
		return nil, &models.CoordinatorError{Op: "get", Err: fmt.Errorf("%w: %s is deleted", models.ErrNotFound, rec.Key())}
	}
	return rec, nil
}

// Query returns the live records of one type matching pred, ordered by id.
// A nil pred matches everything.
func (c *Coordinator) Query(ctx context.Context, t models.AggregateType, pred func(*models.Record) bool) ([]*models.Record, error) {
	if err := c.ready("query"); err != nil {
		return nil, err
	}

	recs, err := c.local.ListByType(ctx, t)
	if err != nil {
		return nil, &models.CoordinatorError{Op: "query", Err: err}
	}

	out := make([]*models.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Deleted {
			continue
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ForceSync runs a sync cycle and waits up to timeout for its report.
func (c *Coordinator) ForceSync(ctx context.Context, timeout time.Duration) (*models.SyncReport, error) {
	if err := c.ready("force_sync"); err != nil {
		return nil, err
	}
	if c.sync == nil {
		return nil, &models.CoordinatorError{Op: "force_sync", Err: fmt.Errorf("%w: no remote store configured", models.ErrNotAuthenticated)}
	}

	report, err := c.sync.ForceSync(ctx, timeout)
	if err != nil {
		return report, &models.CoordinatorError{Op: "force_sync", Err: err}
	}
	return report, nil
}

// Foreground signals that the application came to the foreground.
func (c *Coordinator) Foreground() {
	c.trigger(syncsvc.TriggerForeground)
}

// RemoteChanged signals that the remote store reported new changes.
func (c *Coordinator) RemoteChanged() {
	c.trigger(syncsvc.TriggerRemoteChange)
}

func (c *Coordinator) trigger(reason syncsvc.Trigger) {
	if c.ready(string(reason)) != nil || c.sync == nil {
		return
	}
	c.sync.Trigger(reason)
}

// SetAuthenticated switches between local-only and synchronized operation.
// Becoming authenticated queues every local record the remote has never
// confirmed and starts a reauth sync cycle.
func (c *Coordinator) SetAuthenticated(ctx context.Context, authenticated bool) error {
	if err := c.ready("set_authenticated"); err != nil {
		return err
	}

	c.mu.Lock()
	was := c.authenticated
	c.authenticated = authenticated
	c.mu.Unlock()

	if was == authenticated {
		return nil
	}

	c.logger.WithField("authenticated", authenticated).Info("Authentication state changed")

	if c.sync == nil {
		return nil
	}
	if !authenticated {
		c.sync.SetEnabled(false)
		return nil
	}

	queued, err := c.backfill(ctx)
	if err != nil {
		// Stay signed out so a retry runs the backfill again.
		c.mu.Lock()
		c.authenticated = was
		c.mu.Unlock()
		return &models.CoordinatorError{Op: "set_authenticated", Err: err}
	}
	if queued > 0 {
		c.logger.WithField("records", queued).Info("Queued local-only history for sync")
	}

	c.sync.SetEnabled(true)
	c.sync.Trigger(syncsvc.TriggerReauth)
	return nil
}

// backfill journals every pending local record that has no change log entry.
func (c *Coordinator) backfill(ctx context.Context) (int, error) {
	recs, err := store.ListAll(ctx, c.local)
	if err != nil {
		return 0, fmt.Errorf("list local records: %w", err)
	}

	queued := 0
	for _, rec := range recs {
		if !rec.Pending() {
			continue
		}
		ok, err := c.backfillOne(ctx, rec.Key())
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

func (c *Coordinator) backfillOne(ctx context.Context, key models.Key) (bool, error) {
	unlock, err := c.locker.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := store.GetOptional(ctx, c.local, key)
	if err != nil || rec == nil || !rec.Pending() {
		return false, err
	}

	has, err := c.journal.HasPending(ctx, key)
	if err != nil || has {
		return false, err
	}

	entry := models.NewChangeLogEntry(rec, models.OperationFor(rec), c.clock.Now())
	if err := c.journal.Append(ctx, entry); err != nil {
		return false, fmt.Errorf("journal %s: %w", key, err)
	}
	return true, nil
}

// WatchAuth follows an authentication signal until ctx ends, the channel
// closes or the coordinator is disposed.
func (c *Coordinator) WatchAuth(ctx context.Context, signal <-chan bool) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.watchCtx.Done():
				return
			case authenticated, ok := <-signal:
				if !ok {
					return
				}
				if err := c.SetAuthenticated(ctx, authenticated); err != nil {
					c.logger.WithError(err).Warn("Failed to apply authentication change")
				}
			}
		}
	}()
}

// Status reports the coordinator's mode and sync state.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	if err := c.ready("status"); err != nil {
		return nil, err
	}

	c.mu.RLock()
	st := &Status{
		Initialized:   true,
		Authenticated: c.authenticated,
		RemoteEnabled: c.sync != nil,
		SchemaVersion: c.migrator.Target(),
		Migration:     c.migration,
	}
	c.mu.RUnlock()

	pending, err := c.journal.Pending(ctx)
	if err != nil {
		return nil, &models.CoordinatorError{Op: "status", Err: err}
	}
	st.PendingCount = len(pending)

	if st.Watermark, err = c.journal.Watermark(ctx); err != nil {
		return nil, &models.CoordinatorError{Op: "status", Err: err}
	}

	if c.sync != nil {
		st.Syncing = c.sync.Running()
		st.Progress = c.sync.GetProgress()
		last, lastErr := c.sync.LastResult()
		st.LastSync = last
		if lastErr != nil {
			st.LastSyncError = lastErr.Error()
		}
	}
	return st, nil
}

// Conflicts returns the most recent resolved conflicts, newest first.
func (c *Coordinator) Conflicts(ctx context.Context, limit int) ([]models.ConflictAudit, error) {
	if err := c.ready("conflicts"); err != nil {
		return nil, err
	}
	audits, err := c.journal.Conflicts(ctx, limit)
	if err != nil {
		return nil, &models.CoordinatorError{Op: "conflicts", Err: err}
	}
	return audits, nil
}

// SyncEvents returns the sync engine's event stream, or nil when local-only.
func (c *Coordinator) SyncEvents() <-chan syncsvc.Event {
	if c.sync == nil {
		return nil
	}
	return c.sync.Events()
}

// Dispose stops background sync after the running cycle finishes. Stores are
// owned by the caller and stay open.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.state == stateDisposed {
		c.mu.Unlock()
		return
	}
	c.state = stateDisposed
	c.mu.Unlock()

	c.cancelWatch()
	if c.sync != nil {
		c.sync.Close()
	}
	c.watchers.Wait()

	c.logger.Info("Coordinator disposed")
}

// upgrade migrates a pulled record to the local schema.
func (c *Coordinator) upgrade(rec *models.Record) (*models.Record, error) {
	up, merr := migrate.Upgrade(rec, c.steps)
	if merr != nil {
		return nil, merr
	}
	return up, nil
}
