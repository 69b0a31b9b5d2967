package capture

import (
	"sync"
	"time"
)

// coalescer defers fn until wait has elapsed since the most recent Trigger.
type coalescer struct {
	wait time.Duration
	fn   func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func newCoalescer(wait time.Duration, fn func()) *coalescer {
	return &coalescer{wait: wait, fn: fn}
}

// Trigger restarts the quiet period.
func (c *coalescer) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.wait, func() { c.fire(gen) })
}

func (c *coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.fn()
}

// Stop drops any pending call. Later Triggers are no-ops.
func (c *coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
