package clock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/recsync/internal/clock"
)

func TestNext(t *testing.T) {
	assert.Equal(t, int64(1), clock.Next(0))
	assert.Equal(t, int64(8), clock.Next(7))
	assert.Equal(t, int64(5), clock.Max(5, 3))
	assert.Equal(t, int64(5), clock.Max(3, 5))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := clock.NewManual(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Minute), c.Advance(time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(time.Minute+10*time.Second), c.Now())
}

func TestSystemClockIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, clock.System{}.Now().Location())
}
