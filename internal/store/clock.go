package store

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps.
// When the wall clock stalls or goes backwards the previous value is bumped by 1ns.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Seed makes the next timestamp strictly greater than t, used when reopening a log.
func (c *Clock) Seed(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}

// Next returns the next timestamp.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}
