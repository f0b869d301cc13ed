package iteration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/runcore/internal/observability"
	"github.com/harun/runcore/internal/tracing"
	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrTurnFailed wraps errors returned by a TurnFunc.
var ErrTurnFailed = errors.New("turn failed")

// StopReason records why ExecuteLoop returned.
type StopReason string

const (
	StopMaxIterations   StopReason = "max_iterations"
	StopCallback        StopReason = "callback_stop"
	StopEmptyIterations StopReason = "empty_iterations"
	StopEmergencyBrake  StopReason = "emergency_brake"
	StopCancelled       StopReason = "cancelled"
	StopTurnError       StopReason = "turn_error"
)

const (
	DefaultProgressInterval = 5
	DefaultTurnTimeout      = 2 * time.Minute
)

// Turn is handed to the TurnFunc. Directive is non-empty when the previous
// turns were reasoning-only and must be injected into the model context.
type Turn struct {
	Number    int
	Directive string
	Reads     *AntiParalysisState
}

// TurnResult is what one turn reports back. APICalls of zero counts as one.
type TurnResult struct {
	ShouldContinue bool
	ToolCallCount  int
	IsThinking     bool
	IsEmpty        bool
	TokensUsed     int
	APICalls       int
}

// Empty reports whether the turn counts toward the empty-turn detector: no
// tool calls and no reasoning, unless the callback flagged it empty outright.
// Reasoning-only turns are left to the thinking-loop detector.
func (r TurnResult) Empty() bool {
	if r.ToolCallCount > 0 {
		return false
	}
	return r.IsEmpty || !r.IsThinking
}

// TurnFunc performs the model call and tool dispatch for one turn.
type TurnFunc func(ctx context.Context, turn Turn) (TurnResult, error)

// ProgressReporter receives iteration progress. runstate.Aggregator satisfies it.
type ProgressReporter interface {
	IncrementIteration(runID string) int
	ReportProgress(runID string, iteration, maxIterations int) bool
}

// Config holds the loop limits.
type Config struct {
	MaxAPICalls           int
	MaxTokens             int
	MaxEmptyIterations    int
	MaxThinkingIterations int
	TurnTimeout           time.Duration
	ProgressInterval      int
	IntentLimits          IntentLimits
}

func DefaultConfig() Config {
	return Config{
		MaxAPICalls:           DefaultMaxAPICalls,
		MaxTokens:             DefaultMaxTokens,
		MaxEmptyIterations:    DefaultMaxEmptyIterations,
		MaxThinkingIterations: DefaultMaxThinkingIterations,
		TurnTimeout:           DefaultTurnTimeout,
		ProgressInterval:      DefaultProgressInterval,
		IntentLimits:          DefaultIntentLimits(),
	}
}

// LoopParams describes one run's loop. When MaxIterations is zero the ceiling
// comes from Intent, or from classifying Prompt when Intent is empty.
type LoopParams struct {
	RunID         string
	MaxIterations int
	Intent        Intent
	Prompt        string
	Reads         *AntiParalysisState
	OnTurn        TurnFunc
}

// LoopResult is returned by ExecuteLoop in every case, including errors.
type LoopResult struct {
	State       IterationState
	Telemetry   *WorkflowTelemetry
	StopReason  StopReason
	StopMessage string
}

// Option configures a Controller.
type Option func(*Controller)

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

func WithReporter(r ProgressReporter) Option {
	return func(c *Controller) { c.reporter = r }
}

func WithBroadcaster(b runevents.Broadcaster) Option {
	return func(c *Controller) {
		if b != nil {
			c.sink = b
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller drives turn loops. One Controller may run loops for many runs
// concurrently; each ExecuteLoop call owns its own state.
type Controller struct {
	cfg      Config
	reporter ProgressReporter
	sink     runevents.Broadcaster
	logger   zerolog.Logger
}

func NewController(opts ...Option) *Controller {
	c := &Controller{
		cfg:    DefaultConfig(),
		sink:   runevents.Discard,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.ProgressInterval <= 0 {
		c.cfg.ProgressInterval = DefaultProgressInterval
	}
	return c
}

func (c *Controller) maxIterations(params LoopParams) int {
	if params.MaxIterations > 0 {
		return params.MaxIterations
	}
	intent := params.Intent
	if intent == "" {
		intent = ClassifyIntent(params.Prompt)
	}
	return MaxIterationsFor(intent, c.cfg.IntentLimits)
}

// ExecuteLoop runs turns until the callback stops, a detector or the
// emergency brake trips, or the iteration ceiling is reached. Budget
// exhaustion is reported through LoopResult.StopReason. An error is returned
// only when ctx is cancelled or the callback fails.
func (c *Controller) ExecuteLoop(ctx context.Context, params LoopParams) (LoopResult, error) {
	if params.OnTurn == nil {
		return LoopResult{}, fmt.Errorf("execute loop: turn callback is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if params.RunID != "" && tracing.GetRunID(ctx) == "" {
		ctx = tracing.WithRunID(ctx, params.RunID)
	}

	maxIter := c.maxIterations(params)
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerIteration,
		"iteration.execute_loop",
		attribute.String("run_id", params.RunID),
		attribute.Int("max_iterations", maxIter),
	)
	logger := tracing.LoggerFromContext(ctx, c.logger)

	reads := params.Reads
	if reads == nil {
		reads = NewAntiParalysisState()
	}
	state := NewIterationState()
	telemetry := NewWorkflowTelemetry()
	brake := EmergencyBrake{MaxAPICalls: c.cfg.MaxAPICalls, MaxTokens: c.cfg.MaxTokens}

	result := LoopResult{Telemetry: telemetry}
	stop := func(reason StopReason, message string) {
		state.ContinueLoop = false
		result.StopReason = reason
		result.StopMessage = message
	}

	var loopErr error
	directive := ""

	for state.ContinueLoop && state.IterationCount < maxIter {
		if err := ctx.Err(); err != nil {
			stop(StopCancelled, err.Error())
			loopErr = err
			break
		}

		state.IterationCount++
		if c.reporter != nil && params.RunID != "" {
			c.reporter.IncrementIteration(params.RunID)
			if state.IterationCount%c.cfg.ProgressInterval == 0 {
				c.reporter.ReportProgress(params.RunID, state.IterationCount, maxIter)
			}
		}

		if check := brake.ShouldStopIteration(state, state.TokensUsed); check.Triggered {
			logger.Warn().
				Int("iteration", state.IterationCount).
				Str("reason", check.Reason).
				Msg("Emergency brake triggered")
			stop(StopEmergencyBrake, check.Reason)
			break
		}

		turn := Turn{Number: state.IterationCount, Directive: directive, Reads: reads}
		directive = ""

		state.TurnStartedAt = time.Now()
		res, err := c.runTurn(ctx, params.OnTurn, turn)
		elapsed := time.Since(state.TurnStartedAt)
		observability.RecordTurn(elapsed)

		slow := c.cfg.TurnTimeout > 0 && elapsed > c.cfg.TurnTimeout
		if slow {
			logger.Warn().
				Int("iteration", turn.Number).
				Dur("elapsed", elapsed).
				Dur("timeout", c.cfg.TurnTimeout).
				Msg("Turn exceeded timeout")
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				stop(StopCancelled, ctxErr.Error())
				loopErr = ctxErr
			} else {
				stop(StopTurnError, err.Error())
				loopErr = fmt.Errorf("%w: iteration %d: %w", ErrTurnFailed, turn.Number, err)
			}
			break
		}

		apiCalls := res.APICalls
		if apiCalls <= 0 {
			apiCalls = 1
		}
		state.APICalls += apiCalls
		state.TokensUsed += res.TokensUsed
		state.TotalToolCalls += res.ToolCallCount
		telemetry.recordTurn(res, apiCalls, elapsed, slow)

		if CheckEmptyIterations(state, !res.Empty(), c.cfg.MaxEmptyIterations) {
			stop(StopEmptyIterations, fmt.Sprintf("%d consecutive iterations without tool calls", state.ConsecutiveEmptyIterations))
			break
		}

		if msg := CheckThinkingLoop(state, res.IsThinking, c.cfg.MaxThinkingIterations); msg != "" {
			directive = msg
			telemetry.Enforcements++
			logger.Info().Int("iteration", turn.Number).Msg("Thinking loop detected, forcing action")
		}

		if !res.ShouldContinue {
			stop(StopCallback, "turn callback ended the loop")
		}
	}

	if result.StopReason == "" {
		stop(StopMaxIterations, fmt.Sprintf("reached maximum of %d iterations", maxIter))
	}

	telemetry.finish(result.StopReason)
	result.State = *state

	observability.RecordLoopStop(string(result.StopReason))
	span.SetAttributes(
		attribute.String("stop_reason", string(result.StopReason)),
		attribute.Int("iterations", state.IterationCount),
	)
	tracing.EndWithError(span, loopErr)

	c.sink.Publish(runevents.New(params.RunID, runevents.LoopStopped{
		Reason:     string(result.StopReason),
		Message:    result.StopMessage,
		Iterations: state.IterationCount,
	}))
	logger.Info().
		Str("stop_reason", string(result.StopReason)).
		Str("message", result.StopMessage).
		Object("telemetry", telemetry).
		Msg("Iteration loop finished")

	return result, loopErr
}

func (c *Controller) runTurn(ctx context.Context, fn TurnFunc, turn Turn) (TurnResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerIteration,
		"iteration.turn",
		attribute.Int("iteration", turn.Number),
		attribute.Bool("directive", turn.Directive != ""),
	)
	res, err := fn(ctx, turn)
	span.SetAttributes(
		attribute.Int("tool_calls", res.ToolCallCount),
		attribute.Bool("thinking", res.IsThinking),
	)
	tracing.EndWithError(span, err)
	return res, err
}
