package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/compact"
	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/remote"
	"github.com/TheMichaelB/recsync/internal/store"
)

// Event represents the Lambda input event
type Event struct {
	Action string `json:"action"` // "compact" (default)
	DryRun bool   `json:"dry_run,omitempty"`

	// Overrides for a single invocation
	Retention  string `json:"retention,omitempty"` // Go duration, e.g. "720h"
	MaxDeletes int    `json:"max_deletes,omitempty"`
}

// Response represents the Lambda response
type Response struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Scanned    int               `json:"scanned"`
	Tombstones int               `json:"tombstones"`
	Removed    int               `json:"removed"`
	Truncated  bool              `json:"truncated,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Handler struct {
	store  store.RecordStore
	clock  clock.Clock
	cfg    *config.LambdaConfig
	logger *events.Logger
}

// NewHandler builds a handler for the records table named in the environment.
func NewHandler(ctx context.Context) (*Handler, error) {
	cfg := config.LoadLambdaConfig()

	// CloudWatch ingests JSON lines from stdout
	logger, err := events.NewLogger(&config.LogConfig{
		Level:  cfg.LogLevel,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	table, err := remote.NewDynamoDBStore(ctx, cfg.TableName, cfg.Region, logger)
	if err != nil {
		return nil, fmt.Errorf("create dynamodb store: %w", err)
	}

	return NewHandlerWithStore(table, clock.System{}, cfg, logger), nil
}

// NewHandlerWithStore builds a handler around an existing store.
func NewHandlerWithStore(s store.RecordStore, c clock.Clock, cfg *config.LambdaConfig, logger *events.Logger) *Handler {
	return &Handler{
		store:  s,
		clock:  c,
		cfg:    cfg,
		logger: logger.WithField("component", "lambda_handler"),
	}
}

func (h *Handler) ProcessEvent(ctx context.Context, event Event) (Response, error) {
	logger := h.logger
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logger = logger.WithField("request_id", lc.AwsRequestID)
	}

	logger.WithFields(map[string]interface{}{
		"action":  event.Action,
		"dry_run": event.DryRun,
	}).Info("Processing Lambda event")

	switch event.Action {
	case "", "compact":
		return h.handleCompact(ctx, event, logger)
	default:
		return Response{
			Success: false,
			Message: fmt.Sprintf("Unknown action: %s", event.Action),
		}, nil
	}
}

func (h *Handler) handleCompact(ctx context.Context, event Event, logger *events.Logger) (Response, error) {
	start := time.Now()

	opts := compact.Options{
		Retention:  h.cfg.TombstoneRetention,
		DryRun:     event.DryRun,
		MaxDeletes: h.cfg.MaxDeletes,
	}
	if event.Retention != "" {
		d, err := time.ParseDuration(event.Retention)
		if err != nil || d < 0 {
			return Response{
				Success: false,
				Message: "Invalid retention",
				Errors:  []string{fmt.Sprintf("retention %q: must be a non-negative duration", event.Retention)},
			}, nil
		}
		opts.Retention = d
	}
	if event.MaxDeletes > 0 {
		opts.MaxDeletes = event.MaxDeletes
	}

	// Leave room to report before the invocation is killed
	if deadline, ok := ctx.Deadline(); ok && h.cfg.TimeoutBuffer > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline.Add(-h.cfg.TimeoutBuffer))
		defer cancel()
	}

	compactor := compact.New(h.store, nil, nil, h.clock, logger)
	report, err := compactor.Run(ctx, opts)

	resp := Response{
		Success: err == nil,
		Message: "Compaction complete",
		Metadata: map[string]string{
			"cutoff":   report.Cutoff.Format(time.RFC3339),
			"duration": time.Since(start).Round(time.Millisecond).String(),
			"table":    h.cfg.TableName,
		},
		Scanned:    report.Scanned,
		Tombstones: report.Tombstones,
		Removed:    len(report.Removed),
		Truncated:  report.Truncated,
	}
	if event.DryRun {
		resp.Message = "Dry run complete"
	}
	if err != nil {
		// Partial progress is kept; the next scheduled run continues.
		resp.Message = "Compaction failed"
		resp.Errors = []string{err.Error()}
		logger.WithError(err).Error("Compaction failed")
	}

	return resp, nil
}
