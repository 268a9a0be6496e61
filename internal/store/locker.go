package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/models"
)

// DefaultLockTimeout bounds how long a caller waits for a record lock.
const DefaultLockTimeout = 5 * time.Second

// Locker serializes work on individual records. Transactions and sync share
// one Locker so they never touch the same record concurrently.
type Locker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[models.Key]*lockSlot
}

// lockSlot is dropped from the map once nobody holds or awaits it.
type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates a per-record locker. A zero timeout uses DefaultLockTimeout.
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{
		timeout: timeout,
		locks:   make(map[models.Key]*lockSlot),
	}
}

func (l *Locker) acquire(key models.Key) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.locks[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.locks[key] = slot
	}
	slot.refs++
	return slot
}

func (l *Locker) release(key models.Key, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock acquires the lock for one record, giving up after the timeout.
func (l *Locker) Lock(ctx context.Context, key models.Key) (UnlockFunc, error) {
	slot := l.acquire(key)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.release(key, slot)
			})
		}, nil
	case <-timer.C:
		l.release(key, slot)
		return nil, fmt.Errorf("%w: %s", models.ErrLocked, key)
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}
}

// LockAll acquires every distinct key in sorted order. On failure no lock is held.
func (l *Locker) LockAll(ctx context.Context, keys []models.Key) (UnlockFunc, error) {
	sorted := SortedKeys(keys)

	unlocks := make([]UnlockFunc, 0, len(sorted))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, key := range sorted {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}

	return release, nil
}

// SortedKeys returns the distinct keys in lock order.
func SortedKeys(keys []models.Key) []models.Key {
	seen := make(map[models.Key]bool, len(keys))
	out := make([]models.Key, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
