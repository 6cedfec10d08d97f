// Package typing implements a keepalive-driven typing indicator for channel
// adapters whose platform expires the indicator after a few seconds (Discord
// ~10s, Telegram ~5s). A Controller re-fires StartFn on an interval until
// Stop is called or MaxDuration elapses, whichever comes first.
package typing

import (
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// StartFn re-sends the platform typing action. Called once immediately
	// on Start, then again every KeepaliveInterval.
	StartFn func() error
	// KeepaliveInterval is how often StartFn is re-invoked to keep the
	// indicator alive past the platform's own expiry.
	KeepaliveInterval time.Duration
	// MaxDuration is a safety net: the controller stops itself after this
	// long even if Stop is never called, so a stuck turn can't leave a
	// typing indicator running forever.
	MaxDuration time.Duration
}

// Controller drives a single typing indicator's lifecycle.
type Controller struct {
	opts Options

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New constructs a Controller. Call Start to begin sending keepalives.
func New(opts Options) *Controller {
	return &Controller{opts: opts, done: make(chan struct{})}
}

// Start fires StartFn immediately and then on the keepalive interval until
// Stop is called or MaxDuration elapses.
func (c *Controller) Start() {
	if c.opts.StartFn == nil {
		return
	}
	c.opts.StartFn()

	interval := c.opts.KeepaliveInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var deadline <-chan time.Time
		if c.opts.MaxDuration > 0 {
			timer := time.NewTimer(c.opts.MaxDuration)
			defer timer.Stop()
			deadline = timer.C
		}

		for {
			select {
			case <-c.done:
				return
			case <-deadline:
				return
			case <-ticker.C:
				c.opts.StartFn()
			}
		}
	}()
}

// Stop halts keepalives. Safe to call multiple times or on a nil indicator
// that was never started.
func (c *Controller) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}
