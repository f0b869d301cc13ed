package filelock

import (
	"time"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultTimeout sets how long a queued request waits when neither the
// request nor its path override it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithLockTTL sets the lifetime of granted locks.
func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithSweepInterval sets how often Start's scheduler sweeps expired locks.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithBroadcaster(b runevents.Broadcaster) Option {
	return func(c *Coordinator) {
		if b != nil {
			c.sink = b
		}
	}
}

// WithClock replaces time.Now for lock timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}
