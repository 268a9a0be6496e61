package sync

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// Trigger names why a sync cycle was requested.
type Trigger string

const (
	TriggerForeground   Trigger = "foreground"
	TriggerManual       Trigger = "manual"
	TriggerTimer        Trigger = "timer"
	TriggerReauth       Trigger = "reauth"
	TriggerRemoteChange Trigger = "remote_change"
)

// DefaultForceTimeout bounds ForceSync when the caller passes no timeout.
const DefaultForceTimeout = 30 * time.Second

type cycleResult struct {
	report *models.SyncReport
	err    error
}

// Service runs at most one cycle at a time. Triggers arriving mid-cycle are
// coalesced into exactly one follow-up cycle.
type Service struct {
	engine       *Engine
	interval     time.Duration
	forceTimeout time.Duration
	logger       *events.Logger

	// Cycles run on a context detached from any caller so a caller's
	// timeout never aborts a cycle mid-write.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu             sync.Mutex
	enabled        bool
	running        bool
	pending        bool
	pendingTrigger Trigger
	queued         []chan cycleResult
	last           *models.SyncReport
	lastErr        error
	stopTimer      context.CancelFunc
	closed         bool

	wg sync.WaitGroup
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Interval between timer triggers. Zero disables the timer.
	Interval     time.Duration
	ForceTimeout time.Duration
}

// NewService creates a sync service. It starts disabled.
func NewService(engine *Engine, cfg *ServiceConfig, logger *events.Logger) *Service {
	forceTimeout := cfg.ForceTimeout
	if forceTimeout <= 0 {
		forceTimeout = DefaultForceTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:       engine,
		interval:     cfg.Interval,
		forceTimeout: forceTimeout,
		logger:       logger.WithField("service", "sync"),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
	}
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// SetEnabled turns triggers on or off. While disabled, triggers are ignored
// and ForceSync fails with ErrNotAuthenticated.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if !enabled {
		s.pending = false
	}
}

// Enabled reports whether triggers start cycles.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Trigger requests a cycle without waiting for it. It reports whether the
// request was accepted.
func (s *Service) Trigger(reason Trigger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.enabled {
		return false
	}
	s.requestLocked(reason)
	return true
}

// ForceSync starts a cycle, or queues one behind the running cycle, and waits
// for its report. When the wait exceeds timeout the cycle keeps running and
// ErrTimeout is returned.
func (s *Service) ForceSync(ctx context.Context, timeout time.Duration) (*models.SyncReport, error) {
	if timeout <= 0 {
		timeout = s.forceTimeout
	}

	ch := make(chan cycleResult, 1)

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, models.ErrDisposed
	case !s.enabled:
		s.mu.Unlock()
		return nil, models.ErrNotAuthenticated
	}
	s.queued = append(s.queued, ch)
	s.requestLocked(TriggerManual)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.report, res.err
	case <-timer.C:
		s.logger.WithField("timeout", timeout.String()).Warn("Forced sync timed out, cycle continues in background")
		return nil, models.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// requestLocked starts a cycle or marks one pending. Caller holds s.mu.
func (s *Service) requestLocked(reason Trigger) {
	if s.running {
		if !s.pending {
			s.logger.WithField("trigger", string(reason)).Debug("Sync in progress, coalescing trigger")
		}
		s.pending = true
		s.pendingTrigger = reason
		return
	}

	s.running = true
	s.wg.Add(1)
	go s.loop(reason)
}

func (s *Service) loop(trigger Trigger) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		waiters := s.queued
		s.queued = nil
		s.mu.Unlock()

		report, err := s.engine.RunCycle(s.baseCtx, trigger)

		s.mu.Lock()
		s.last, s.lastErr = report, err
		for _, w := range waiters {
			w <- cycleResult{report: report, err: err}
		}

		if s.pending && !s.closed && s.enabled {
			s.pending = false
			trigger = s.pendingTrigger
			s.mu.Unlock()
			continue
		}

		s.running = false
		s.pending = false
		leftover := s.queued
		s.queued = nil
		dropErr := models.ErrNotAuthenticated
		if s.closed {
			dropErr = models.ErrDisposed
		}
		s.mu.Unlock()

		for _, w := range leftover {
			w <- cycleResult{err: dropErr}
		}
		return
	}
}

// Start fires a timer trigger every interval until ctx ends or Close is called.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed || s.stopTimer != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stopTimer = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Trigger(TriggerTimer)
			}
		}
	}()

	s.logger.WithField("interval", s.interval.String()).Debug("Sync timer started")
}

// Running reports whether a cycle is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastResult returns the report and error of the last finished cycle.
func (s *Service) LastResult() (*models.SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// GetProgress returns the progress of the running or last cycle.
func (s *Service) GetProgress() *Progress {
	return s.engine.GetProgress()
}

// Events returns the engine's event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// Close stops the timer, drops any pending trigger and waits for the running
// cycle to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = false
	if s.stopTimer != nil {
		s.stopTimer()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.cancelBase()
}
