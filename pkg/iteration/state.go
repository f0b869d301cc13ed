package iteration

import (
	"time"

	"github.com/rs/zerolog"
)

// IterationState is the per-loop counter set. It lives for one ExecuteLoop call.
type IterationState struct {
	IterationCount                int       `json:"iteration_count"`
	ContinueLoop                  bool      `json:"continue_loop"`
	ConsecutiveEmptyIterations    int       `json:"consecutive_empty_iterations"`
	ConsecutiveThinkingIterations int       `json:"consecutive_thinking_iterations"`
	TotalToolCalls                int       `json:"total_tool_calls"`
	APICalls                      int       `json:"api_calls"`
	TokensUsed                    int       `json:"tokens_used"`
	TurnStartedAt                 time.Time `json:"turn_started_at"`
}

func NewIterationState() *IterationState {
	return &IterationState{ContinueLoop: true}
}

// WorkflowTelemetry summarizes a finished or running loop.
type WorkflowTelemetry struct {
	Turns         int             `json:"turns"`
	ToolCalls     int             `json:"tool_calls"`
	EmptyTurns    int             `json:"empty_turns"`
	ThinkingTurns int             `json:"thinking_turns"`
	SlowTurns     int             `json:"slow_turns"`
	Enforcements  int             `json:"enforcements"`
	TokensUsed    int             `json:"tokens_used"`
	APICalls      int             `json:"api_calls"`
	TurnDurations []time.Duration `json:"turn_durations"`
	StopReason    StopReason      `json:"stop_reason,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	Elapsed       time.Duration   `json:"elapsed"`
}

func NewWorkflowTelemetry() *WorkflowTelemetry {
	return &WorkflowTelemetry{StartedAt: time.Now()}
}

func (t *WorkflowTelemetry) recordTurn(res TurnResult, apiCalls int, d time.Duration, slow bool) {
	t.Turns++
	t.ToolCalls += res.ToolCallCount
	t.TokensUsed += res.TokensUsed
	t.APICalls += apiCalls
	t.TurnDurations = append(t.TurnDurations, d)
	if res.Empty() {
		t.EmptyTurns++
	}
	if res.IsThinking {
		t.ThinkingTurns++
	}
	if slow {
		t.SlowTurns++
	}
}

func (t *WorkflowTelemetry) finish(reason StopReason) {
	t.StopReason = reason
	t.Elapsed = time.Since(t.StartedAt)
}

// AverageTurn returns the mean turn duration, or 0 before the first turn.
func (t *WorkflowTelemetry) AverageTurn() time.Duration {
	if len(t.TurnDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range t.TurnDurations {
		total += d
	}
	return total / time.Duration(len(t.TurnDurations))
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (t *WorkflowTelemetry) MarshalZerologObject(e *zerolog.Event) {
	e.Int("turns", t.Turns).
		Int("tool_calls", t.ToolCalls).
		Int("empty_turns", t.EmptyTurns).
		Int("thinking_turns", t.ThinkingTurns).
		Int("slow_turns", t.SlowTurns).
		Int("enforcements", t.Enforcements).
		Int("tokens_used", t.TokensUsed).
		Int("api_calls", t.APICalls).
		Dur("avg_turn", t.AverageTurn()).
		Dur("elapsed", t.Elapsed).
		Str("stop_reason", string(t.StopReason))
}
