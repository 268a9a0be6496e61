package client

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/store"
)

// SwitchResult reports what SwitchBackend carried over.
type SwitchResult struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Records int    `json:"records"`
	Pending int    `json:"pending"`
}

// SwitchBackend copies the local store of cfg into the target backend,
// including unpushed journal entries and the pull watermark. The source is
// left untouched; the caller points storage.backend at the target afterwards.
func SwitchBackend(ctx context.Context, cfg *config.Config, target string, logger *events.Logger) (*SwitchResult, error) {
	if target == cfg.Storage.Backend {
		return nil, fmt.Errorf("storage backend is already %s", target)
	}
	switch target {
	case "sqlite", "json":
	default:
		return nil, fmt.Errorf("invalid storage backend: %s", target)
	}
	dstCfg := *cfg
	dstCfg.Storage.Backend = target

	src, srcJournal, closeSrc, err := OpenLocal(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	defer closeSrc()

	dst, dstJournal, closeDst, err := OpenLocal(&dstCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", target, err)
	}
	defer closeDst()

	existing, err := store.ListAll(ctx, dst)
	if err != nil {
		return nil, err
	}
	queued, err := dstJournal.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 || len(queued) > 0 {
		return nil, fmt.Errorf("%s store is not empty", target)
	}

	copied, err := store.Copy(ctx, src, dst)
	if err != nil {
		return nil, err
	}

	pending, err := srcJournal.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		if err := dstJournal.Append(ctx, pending...); err != nil {
			return nil, fmt.Errorf("copy journal: %w", err)
		}
	}

	mark, err := srcJournal.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	if !mark.IsZero() {
		if err := dstJournal.SetWatermark(ctx, mark); err != nil {
			return nil, err
		}
	}

	logger.WithFields(map[string]interface{}{
		"from":    cfg.Storage.Backend,
		"to":      target,
		"records": copied,
		"pending": len(pending),
	}).Info("Copied local store")

	return &SwitchResult{
		From:    cfg.Storage.Backend,
		To:      target,
		Records: copied,
		Pending: len(pending),
	}, nil
}
