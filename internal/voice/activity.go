package voice

import (
	"sync"
	"time"
)

// ActivityClock tracks how long a session counts as active. It only moves
// forward.
type ActivityClock struct {
	mu    sync.Mutex
	until time.Time
}

func NewActivityClock(now time.Time) *ActivityClock {
	return &ActivityClock{until: now}
}

// Touch marks the session active at t.
func (c *ActivityClock) Touch(t time.Time) {
	c.advance(t)
}

// Extend keeps the session active until t+d, e.g. while reply audio plays.
func (c *ActivityClock) Extend(t time.Time, d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.advance(t.Add(d))
}

func (c *ActivityClock) advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.until) {
		c.until = t
	}
}

func (c *ActivityClock) Until() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.until
}

// Idle reports whether now is more than threshold past the clock.
func (c *ActivityClock) Idle(now time.Time, threshold time.Duration) bool {
	return now.Sub(c.Until()) > threshold
}
