// Package phase tracks a run's coarse progress through a fixed, ordered set of phases.
package phase

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is a coarse-grained stage of run progress.
type Phase string

const (
	Thinking  Phase = "thinking"
	Planning  Phase = "planning"
	Working   Phase = "working"
	Verifying Phase = "verifying"
	Complete  Phase = "complete"
)

// Order is the expected forward sequence.
var Order = []Phase{Thinking, Planning, Working, Verifying, Complete}

// Index returns the position of p in Order, or -1.
func (p Phase) Index() int {
	for i, o := range Order {
		if o == p {
			return i
		}
	}
	return -1
}

// ParsePhase converts a string into a known Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.Index() < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Transition is one entry of the append-only emission log.
type Transition struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Skipped   []Phase   `json:"skipped,omitempty"`
}

// Recorder receives phase changes for the run state. runstate.Aggregator satisfies it.
type Recorder interface {
	UpdatePhase(runID string, p Phase, message string) bool
}

// Option configures a Machine.
type Option func(*Machine)

func WithRecorder(r Recorder) Option {
	return func(m *Machine) { m.recorder = r }
}

func WithBroadcaster(b runevents.Broadcaster) Option {
	return func(m *Machine) {
		if b != nil {
			m.sink = b
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// Machine records phase emissions for a single run. Each phase is emitted at
// most once; out-of-order emissions are logged but never refused.
type Machine struct {
	runID       string
	mu          sync.Mutex
	current     Phase
	emitted     map[Phase]bool
	transitions []Transition

	recorder Recorder
	sink     runevents.Broadcaster
	logger   zerolog.Logger
}

// NewMachine creates a machine for runID with no phase emitted yet.
func NewMachine(runID string, opts ...Option) *Machine {
	m := &Machine{
		runID:   runID,
		emitted: make(map[Phase]bool),
		sink:    runevents.Discard,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("run_id", runID).Logger()
	return m
}

// EmitPhase records p and forwards it to the recorder and the sink. It returns
// false without side effects when p was already emitted for this run.
//
// Each successful call publishes exactly one phase.changed. A recorder such as
// runstate.Aggregator publishes its own run.phase for the state update, so a
// bus shared by both sees one event of each type per transition.
func (m *Machine) EmitPhase(p Phase, message string) bool {
	m.mu.Lock()
	if m.emitted[p] {
		m.mu.Unlock()
		m.logger.Debug().Str("phase", string(p)).Msg("Phase already emitted")
		return false
	}

	previous := m.current
	skipped, backward := m.classifyLocked(p)

	m.emitted[p] = true
	m.current = p
	m.transitions = append(m.transitions, Transition{
		Phase:     p,
		Message:   message,
		Timestamp: time.Now(),
		Skipped:   skipped,
	})
	m.mu.Unlock()

	switch {
	case backward:
		m.logger.Warn().
			Str("from", string(previous)).
			Str("to", string(p)).
			Msg("Phase emitted out of order")
	case len(skipped) > 0:
		m.logger.Info().
			Str("from", string(previous)).
			Str("to", string(p)).
			Strs("skipped", phaseStrings(skipped)).
			Msg("Phase jump skipped intermediate phases")
	default:
		m.logger.Debug().Str("phase", string(p)).Msg("Phase emitted")
	}

	if m.recorder != nil {
		m.recorder.UpdatePhase(m.runID, p, message)
	}
	m.sink.Publish(runevents.New(m.runID, runevents.PhaseChanged{
		Phase:    string(p),
		Previous: string(previous),
		Message:  message,
		Skipped:  phaseStrings(skipped),
		Backward: backward,
	}))
	return true
}

// classifyLocked compares p against the current phase. Unknown phases are
// neither backward nor skipping.
func (m *Machine) classifyLocked(p Phase) (skipped []Phase, backward bool) {
	to := p.Index()
	if to < 0 {
		return nil, false
	}
	from := m.current.Index()
	if to < from {
		return nil, true
	}
	for i := from + 1; i < to; i++ {
		if !m.emitted[Order[i]] {
			skipped = append(skipped, Order[i])
		}
	}
	return skipped, false
}

// Current returns the most recently emitted phase, or "" if none.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// HasEmitted reports whether p was emitted.
func (m *Machine) HasEmitted(p Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitted[p]
}

// Transitions returns a copy of the emission log.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions...)
}

func phaseStrings(phases []Phase) []string {
	if len(phases) == 0 {
		return nil
	}
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
