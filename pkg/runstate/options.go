package runstate

import (
	"time"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTTL sets how long a finished run is kept after its last activity.
func WithTTL(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.ttl = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.sweepInterval = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

func WithBroadcaster(b runevents.Broadcaster) Option {
	return func(a *Aggregator) {
		if b != nil {
			a.sink = b
		}
	}
}

// WithClock replaces time.Now for run timestamps and the TTL sweep.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithArchiver registers a callback invoked with a snapshot of each run as it
// reaches a terminal status.
func WithArchiver(fn func(RunState)) Option {
	return func(a *Aggregator) {
		a.archive = fn
	}
}
