package sync

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

const (
	defaultBatchSize     = 50
	defaultMaxConcurrent = 4
)

// BatchProcessor splits record keys into batches and runs them with bounded
// concurrency. Keys are distinct, so concurrent batches never touch the same record.
type BatchProcessor struct {
	batchSize     int
	maxConcurrent int
	guard         *MemoryGuard
}

// NewBatchProcessor creates a batch processor. Non-positive sizes use defaults.
func NewBatchProcessor(batchSize, maxConcurrent int, guard *MemoryGuard) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &BatchProcessor{
		batchSize:     batchSize,
		maxConcurrent: maxConcurrent,
		guard:         guard,
	}
}

// Process runs fn over every batch. The first batch error cancels the batches
// not yet started and is returned once running batches finish.
func (p *BatchProcessor) Process(ctx context.Context, keys []models.Key,
	fn func(context.Context, []models.Key) error) error {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := p.split(keys)

	sem := make(chan struct{}, p.maxConcurrent)
	errChan := make(chan error, len(batches))
	var wg sync.WaitGroup

dispatch:
	for i, batch := range batches {
		if err := p.guard.Wait(ctx); err != nil {
			errChan <- err
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(batchNum int, keys []models.Key) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(ctx, keys); err != nil {
				errChan <- fmt.Errorf("batch %d: %w", batchNum, err)
				cancel()
			}
		}(i, batch)
	}

	wg.Wait()
	close(errChan)

	if err, ok := <-errChan; ok {
		return err
	}
	return ctx.Err()
}

func (p *BatchProcessor) split(keys []models.Key) [][]models.Key {
	var batches [][]models.Key
	for i := 0; i < len(keys); i += p.batchSize {
		end := i + p.batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batches = append(batches, keys[i:end])
	}
	return batches
}

// MemoryGuard holds back new batches while the heap is over a limit.
type MemoryGuard struct {
	maxHeapMB int64
	interval  time.Duration
	logger    *events.Logger
	readHeap  func() int64
}

// NewMemoryGuard creates a guard. A non-positive limit disables it.
func NewMemoryGuard(maxHeapMB int64, logger *events.Logger) *MemoryGuard {
	return &MemoryGuard{
		maxHeapMB: maxHeapMB,
		interval:  time.Second,
		logger:    logger,
		readHeap:  heapMB,
	}
}

// Wait returns once the heap is below the limit or ctx ends.
func (g *MemoryGuard) Wait(ctx context.Context) error {
	if g == nil || g.maxHeapMB <= 0 {
		return nil
	}

	paused := false
	for {
		used := g.readHeap()
		if used <= g.maxHeapMB {
			if paused {
				g.logger.WithField("heap_mb", used).Info("Resuming sync after memory recovery")
			}
			return nil
		}

		if !paused {
			paused = true
			g.logger.WithFields(map[string]interface{}{
				"heap_mb":     used,
				"max_heap_mb": g.maxHeapMB,
			}).Warn("Pausing sync due to memory pressure")
			runtime.GC()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.interval):
		}
	}
}

func heapMB() int64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return int64(memStats.HeapAlloc / 1024 / 1024)
}
