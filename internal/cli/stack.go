package cli

import (
	"errors"
	"fmt"

	"github.com/harun/runcore/internal/config"
	"github.com/harun/runcore/pkg/filelock"
	"github.com/harun/runcore/pkg/iteration"
	"github.com/harun/runcore/pkg/runevents"
	"github.com/harun/runcore/pkg/runhistory"
	"github.com/harun/runcore/pkg/runstate"
	"github.com/rs/zerolog"
)

// stack is the set of core components one process runs.
type stack struct {
	bus        *runevents.Bus
	locks      *filelock.Coordinator
	runs       *runstate.Aggregator
	controller *iteration.Controller
	history    *runhistory.Store
}

// newStack wires the core components from cfg. Every component publishes to
// the returned bus; hosts attach their own handlers to it.
func newStack(cfg *config.Config, logger zerolog.Logger) (*stack, error) {
	s := &stack{bus: runevents.NewBus()}

	if cfg.History.Enabled {
		store, err := runhistory.Open(runhistory.Config{Path: cfg.History.Path, Logger: &logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		s.history = store
	}

	s.locks = filelock.NewCoordinator(lockOptions(cfg.Locks, logger, s.bus)...)

	runOpts := runOptions(cfg.Runs, logger, s.bus)
	if s.history != nil {
		runOpts = append(runOpts, runstate.WithArchiver(s.history.Archive))
	}
	s.runs = runstate.NewAggregator(runOpts...)

	s.controller = iteration.NewController(
		iteration.WithConfig(iterationConfig(cfg.Iteration)),
		iteration.WithReporter(s.runs),
		iteration.WithBroadcaster(s.bus),
		iteration.WithLogger(logger.With().Str("component", "iteration").Logger()),
	)
	return s, nil
}

// close releases every queued lock request and the history database.
func (s *stack) close() error {
	var errs []error
	if s.runs.IsRunning() {
		errs = append(errs, s.runs.Stop())
	}
	errs = append(errs, s.locks.Close())
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	return errors.Join(errs...)
}

func lockOptions(cfg config.LocksConfig, logger zerolog.Logger, sink runevents.Broadcaster) []filelock.Option {
	return []filelock.Option{
		filelock.WithDefaultTimeout(cfg.DefaultTimeout),
		filelock.WithLockTTL(cfg.LockTTL),
		filelock.WithSweepInterval(cfg.SweepInterval),
		filelock.WithLogger(logger.With().Str("component", "filelock").Logger()),
		filelock.WithBroadcaster(sink),
	}
}

func runOptions(cfg config.RunsConfig, logger zerolog.Logger, sink runevents.Broadcaster) []runstate.Option {
	return []runstate.Option{
		runstate.WithTTL(cfg.TTL),
		runstate.WithSweepInterval(cfg.SweepInterval),
		runstate.WithLogger(logger),
		runstate.WithBroadcaster(sink),
	}
}

func iterationConfig(cfg config.IterationConfig) iteration.Config {
	return iteration.Config{
		MaxAPICalls:           cfg.MaxAPICalls,
		MaxTokens:             cfg.MaxTokens,
		MaxEmptyIterations:    cfg.MaxEmptyIterations,
		MaxThinkingIterations: cfg.MaxThinkingIterations,
		TurnTimeout:           cfg.TurnTimeout,
		ProgressInterval:      cfg.ProgressInterval,
		IntentLimits: iteration.IntentLimits{
			Build:      cfg.IntentLimits.Build,
			Fix:        cfg.IntentLimits.Fix,
			Diagnostic: cfg.IntentLimits.Diagnostic,
			Casual:     cfg.IntentLimits.Casual,
		},
	}
}
