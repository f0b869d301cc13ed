package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/harun/runcore/internal/tracing"
	"github.com/harun/runcore/pkg/filelock"
	"github.com/harun/runcore/pkg/iteration"
	"github.com/harun/runcore/pkg/phase"
	"github.com/harun/runcore/pkg/runstate"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run replayed by "runcore simulate".
type Scenario struct {
	RunID         string         `yaml:"run_id"`
	SessionID     string         `yaml:"session_id"`
	UserID        string         `yaml:"user_id"`
	Prompt        string         `yaml:"prompt"`
	MaxIterations int            `yaml:"max_iterations"`
	Tasks         []ScenarioTask `yaml:"tasks"`
	Turns         []ScenarioTurn `yaml:"turns"`
}

type ScenarioTask struct {
	ID           string `yaml:"id"`
	Title        string `yaml:"title"`
	Verification string `yaml:"verification"`
}

// ScenarioTurn is one model turn. A turn with no tools and no thinking is empty.
type ScenarioTurn struct {
	Phase      string         `yaml:"phase"`
	Message    string         `yaml:"message"`
	Thinking   bool           `yaml:"thinking"`
	Tools      []ScenarioTool `yaml:"tools"`
	Task       string         `yaml:"task"`
	TaskStatus string         `yaml:"task_status"`
	Artifacts  []string       `yaml:"artifacts"`
	Tokens     int            `yaml:"tokens"`
	Stop       bool           `yaml:"stop"`
	Error      string         `yaml:"error"`
}

// ScenarioTool is a tool call. Reads take a read lock and go through the
// anti-paralysis check; writes, edits and searches take a write or read lock
// and count as a pivot.
type ScenarioTool struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"` // read, write, edit, search
	Path  string `yaml:"path"`
	Size  int    `yaml:"size"`
	Lines int    `yaml:"lines"`
}

// SimulationReport is printed when the scenario finishes.
type SimulationReport struct {
	Run         runstate.RunState            `json:"run"`
	StopReason  iteration.StopReason         `json:"stop_reason"`
	StopMessage string                       `json:"stop_message"`
	Telemetry   *iteration.WorkflowTelemetry `json:"telemetry"`
	Transitions []phase.Transition           `json:"transitions"`
	ReadWarns   int                          `json:"read_warnings"`
	ReadBlocks  int                          `json:"read_blocks"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Turns) == 0 {
		return errors.New("scenario has no turns")
	}
	for i, turn := range sc.Turns {
		if turn.Phase != "" {
			if _, err := phase.ParsePhase(turn.Phase); err != nil {
				return fmt.Errorf("turn %d: %w", i+1, err)
			}
		}
		for _, tool := range turn.Tools {
			switch tool.Kind {
			case "read", "write", "edit", "search":
			default:
				return fmt.Errorf("turn %d: tool %q has unknown kind %q", i+1, tool.Name, tool.Kind)
			}
			if tool.Path == "" {
				return fmt.Errorf("turn %d: tool %q has no path", i+1, tool.Name)
			}
		}
	}
	return nil
}

// player replays a scenario against one stack.
type player struct {
	core    *stack
	sc      *Scenario
	machine *phase.Machine
	reads   *iteration.AntiParalysisState
	logger  zerolog.Logger
}

func playScenario(ctx context.Context, core *stack, sc *Scenario, logger zerolog.Logger) (*SimulationReport, error) {
	if sc.RunID == "" {
		sc.RunID = tracing.NewRunID()
	}
	if sc.SessionID == "" {
		sc.SessionID = "simulate"
	}

	if _, err := core.runs.CreateRun(runstate.CreateParams{
		RunID:         sc.RunID,
		SessionID:     sc.SessionID,
		UserID:        sc.UserID,
		MaxIterations: sc.MaxIterations,
	}); err != nil {
		return nil, err
	}

	p := &player{
		core: core,
		sc:   sc,
		machine: phase.NewMachine(sc.RunID,
			phase.WithRecorder(core.runs),
			phase.WithBroadcaster(core.bus),
			phase.WithLogger(logger),
		),
		reads:  iteration.NewAntiParalysisState(),
		logger: logger.With().Str("run_id", sc.RunID).Logger(),
	}
	p.machine.EmitPhase(phase.Thinking, "run started")

	if len(sc.Tasks) > 0 {
		inputs := make([]runstate.TaskInput, 0, len(sc.Tasks))
		for _, t := range sc.Tasks {
			inputs = append(inputs, runstate.TaskInput{ID: t.ID, Title: t.Title, Verification: t.Verification})
		}
		core.runs.AddTasks(sc.RunID, inputs)
	}

	res, loopErr := core.controller.ExecuteLoop(ctx, iteration.LoopParams{
		RunID:         sc.RunID,
		MaxIterations: sc.MaxIterations,
		Prompt:        sc.Prompt,
		Reads:         p.reads,
		OnTurn:        p.turn,
	})
	core.locks.ReleaseAllLocksForSession(sc.SessionID)
	p.finish(res, loopErr)

	run, _ := core.runs.GetRunState(sc.RunID)
	return &SimulationReport{
		Run:         run,
		StopReason:  res.StopReason,
		StopMessage: res.StopMessage,
		Telemetry:   res.Telemetry,
		Transitions: p.machine.Transitions(),
		ReadWarns:   p.reads.Warnings(),
		ReadBlocks:  p.reads.Blocks(),
	}, nil
}

func (p *player) turn(ctx context.Context, turn iteration.Turn) (iteration.TurnResult, error) {
	idx := turn.Number - 1
	if idx >= len(p.sc.Turns) {
		return iteration.TurnResult{}, nil
	}
	step := p.sc.Turns[idx]

	if turn.Directive != "" {
		p.logger.Info().Int("turn", turn.Number).Str("directive", turn.Directive).Msg("Directive injected")
	}
	if step.Error != "" {
		return iteration.TurnResult{}, errors.New(step.Error)
	}
	if step.Phase != "" {
		ph, _ := phase.ParsePhase(step.Phase)
		p.machine.EmitPhase(ph, step.Message)
	}

	calls := 0
	for _, tool := range step.Tools {
		if p.runTool(ctx, tool) {
			calls++
		}
	}

	if step.Task != "" {
		update := runstate.TaskUpdate{Artifacts: step.Artifacts}
		if step.TaskStatus != "" {
			status := runstate.TaskStatus(step.TaskStatus)
			update.Status = &status
		}
		p.core.runs.UpdateTask(p.sc.RunID, step.Task, update)
	}

	return iteration.TurnResult{
		ShouldContinue: !step.Stop && turn.Number < len(p.sc.Turns),
		ToolCallCount:  calls,
		IsThinking:     step.Thinking,
		IsEmpty:        calls == 0 && !step.Thinking,
		TokensUsed:     step.Tokens,
	}, nil
}

// runTool performs one scripted tool call and reports whether it ran.
func (p *player) runTool(ctx context.Context, tool ScenarioTool) bool {
	logger := p.logger.With().Str("tool", tool.Name).Str("path", tool.Path).Logger()

	if tool.Kind == "read" {
		check := iteration.CheckAntiParalysis(p.reads, tool.Path, tool.Size, tool.Lines)
		switch check.Action {
		case iteration.ActionBlock:
			logger.Warn().Int("reads", check.ReadCount).Msg(check.Message)
			p.core.runs.RecordError(p.sc.RunID, check.Message, "", "")
			return false
		case iteration.ActionWarn:
			logger.Info().Int("reads", check.ReadCount).Msg(check.Message)
		}
	}

	mode := filelock.ModeRead
	if tool.Kind == "write" || tool.Kind == "edit" {
		mode = filelock.ModeWrite
	}
	res := p.core.locks.AcquireLock(ctx, filelock.Request{
		Path:      tool.Path,
		SessionID: p.sc.SessionID,
		UserID:    p.sc.UserID,
		Mode:      mode,
	})
	if !res.Acquired {
		logger.Warn().Str("reason", res.Reason).Strs("locked_by", res.LockedBy).Msg("Tool skipped, lock not acquired")
		p.core.runs.RecordError(p.sc.RunID, fmt.Sprintf("%s: %s", tool.Name, res.Reason), "", "")
		return false
	}
	defer p.core.locks.ReleaseLock(res.LockID)

	switch tool.Kind {
	case "write":
		p.reads.RecordPivot(iteration.PivotWrite, tool.Path)
	case "edit":
		p.reads.RecordPivot(iteration.PivotEdit, tool.Path)
	case "search":
		p.reads.RecordPivot(iteration.PivotSearch, tool.Path)
	}

	p.core.runs.RecordToolCall(p.sc.RunID, tool.Name)
	logger.Debug().Str("mode", string(mode)).Msg("Tool executed")
	return true
}

// finish marks the run terminal from the loop outcome.
func (p *player) finish(res iteration.LoopResult, loopErr error) {
	runID := p.sc.RunID
	current, _ := p.core.runs.GetCurrentPhase(runID)

	switch {
	case loopErr != nil:
		p.core.runs.MarkFailed(runID, loopErr.Error(), current, "")
	case res.StopReason == iteration.StopEmergencyBrake || res.StopReason == iteration.StopEmptyIterations:
		p.core.runs.MarkFailed(runID, res.StopMessage, current, "")
	case len(p.core.runs.GetTasks(runID)) > 0 && !p.core.runs.AreAllTasksComplete(runID):
		p.core.runs.MarkFailed(runID, fmt.Sprintf("loop ended (%s) with unfinished tasks", res.StopReason), current, "")
	default:
		p.machine.EmitPhase(phase.Complete, "all tasks done")
		p.core.runs.MarkComplete(runID)
	}
}
