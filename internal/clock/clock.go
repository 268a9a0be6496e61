// Package clock provides record version arithmetic and an injectable time source.
package clock

import (
	"sync"
	"time"
)

// Next returns the version that follows current. Every mutating path derives
// versions from here.
func Next(current int64) int64 {
	return current + 1
}

// Max returns the larger of two versions.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Clock is a source of wall-clock time.
type Clock interface {
	Now() time.Time
}

// System reads the real clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a clock frozen at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

// Now returns the frozen time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
