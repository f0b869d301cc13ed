package runstate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/runcore/internal/observability"
	"github.com/harun/runcore/pkg/phase"
	"github.com/harun/runcore/pkg/runevents"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Aggregator owns the canonical state of every live run. Mutators on an
// unknown run or task log a warning and do nothing.
type Aggregator struct {
	mu   sync.Mutex
	runs map[string]*RunState

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	logger  zerolog.Logger
	sink    runevents.Broadcaster
	archive func(RunState)
	outbox  []runevents.Event
	snaps   []RunState

	scheduler *cron.Cron
	running   bool
}

var _ phase.Recorder = (*Aggregator)(nil)

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		runs:          make(map[string]*RunState),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        log.Logger,
		sink:          runevents.Discard,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "runstate").Logger()
	return a
}

// CreateRun registers a new active run in the thinking phase.
func (a *Aggregator) CreateRun(params CreateParams) (RunState, error) {
	if params.RunID == "" {
		return RunState{}, fmt.Errorf("%w: run id is required", ErrInvalidRun)
	}
	if params.MaxIterations < 0 {
		return RunState{}, fmt.Errorf("%w: max iterations must not be negative", ErrInvalidRun)
	}

	a.mu.Lock()
	if _, exists := a.runs[params.RunID]; exists {
		a.mu.Unlock()
		return RunState{}, fmt.Errorf("%w: %s", ErrRunExists, params.RunID)
	}

	now := a.now()
	run := &RunState{
		RunID:          params.RunID,
		SessionID:      params.SessionID,
		UserID:         params.UserID,
		Phase:          phase.Thinking,
		Status:         StatusActive,
		Tasks:          []Task{},
		Metrics:        Metrics{MaxIterations: params.MaxIterations},
		StartedAt:      now,
		LastActivityAt: now,
	}
	a.runs[run.RunID] = run
	a.emitLocked(run, runevents.RunCreated{
		SessionID:     run.SessionID,
		UserID:        run.UserID,
		Phase:         string(run.Phase),
		MaxIterations: run.Metrics.MaxIterations,
	})
	snapshot := run.clone()
	a.unlock()

	a.logger.Info().
		Str("run_id", run.RunID).
		Str("session_id", run.SessionID).
		Int("max_iterations", params.MaxIterations).
		Msg("Run created")
	return snapshot, nil
}

// UpdatePhase sets the run's current phase.
func (a *Aggregator) UpdatePhase(runID string, p phase.Phase, message string) bool {
	a.mu.Lock()
	run := a.lookupLocked(runID, "update phase")
	if run == nil {
		a.mu.Unlock()
		return false
	}
	run.Phase = p
	a.touchLocked(run)
	a.emitLocked(run, runevents.RunPhase{Phase: string(p), Message: message})
	a.unlock()
	return true
}

// AddTask appends one task. It returns false for an unknown run or a
// duplicate task ID.
func (a *Aggregator) AddTask(runID string, input TaskInput) (Task, bool) {
	a.mu.Lock()
	run := a.lookupLocked(runID, "add task")
	if run == nil {
		a.mu.Unlock()
		return Task{}, false
	}
	task, ok := a.appendTaskLocked(run, input)
	if !ok {
		a.mu.Unlock()
		return Task{}, false
	}
	a.touchLocked(run)
	a.emitLocked(run, runevents.TaskAdded{Task: taskInfo(task)})
	a.unlock()
	return task, true
}

// AddTasks appends a plan of tasks in order and publishes a single plan event.
// Duplicate IDs are skipped.
func (a *Aggregator) AddTasks(runID string, inputs []TaskInput) ([]Task, bool) {
	a.mu.Lock()
	run := a.lookupLocked(runID, "add tasks")
	if run == nil {
		a.mu.Unlock()
		return nil, false
	}

	added := make([]Task, 0, len(inputs))
	infos := make([]runevents.TaskInfo, 0, len(inputs))
	for _, input := range inputs {
		task, ok := a.appendTaskLocked(run, input)
		if !ok {
			continue
		}
		added = append(added, task)
		infos = append(infos, taskInfo(task))
	}
	a.touchLocked(run)
	a.emitLocked(run, runevents.PlanCreated{Tasks: infos})
	a.unlock()
	return added, true
}

func (a *Aggregator) appendTaskLocked(run *RunState, input TaskInput) (Task, bool) {
	if input.ID == "" {
		input.ID = fmt.Sprintf("task-%d", len(run.Tasks)+1)
	}
	if run.taskIndex(input.ID) >= 0 {
		a.logger.Warn().
			Str("run_id", run.RunID).
			Str("task_id", input.ID).
			Msg("Task already exists")
		return Task{}, false
	}
	if input.Status == "" {
		input.Status = TaskPending
	}

	task := Task{
		ID:           input.ID,
		Title:        input.Title,
		Status:       input.Status,
		Verification: input.Verification,
		UpdatedAt:    a.now(),
	}
	run.Tasks = append(run.Tasks, task)
	if task.Status == TaskInProgress {
		run.CurrentTaskID = task.ID
	}
	run.recompute()
	return task, true
}

// UpdateTask merges update into the task and recomputes the derived metrics.
func (a *Aggregator) UpdateTask(runID, taskID string, update TaskUpdate) (Task, bool) {
	a.mu.Lock()
	run := a.lookupLocked(runID, "update task")
	if run == nil {
		a.mu.Unlock()
		return Task{}, false
	}
	idx := run.taskIndex(taskID)
	if idx < 0 {
		a.mu.Unlock()
		a.logger.Warn().Str("run_id", runID).Str("task_id", taskID).Msg("Task not found")
		return Task{}, false
	}

	task := &run.Tasks[idx]
	if update.Title != nil {
		task.Title = *update.Title
	}
	if update.Verification != nil {
		task.Verification = *update.Verification
	}
	for _, artifact := range update.Artifacts {
		if !contains(task.Artifacts, artifact) {
			task.Artifacts = append(task.Artifacts, artifact)
		}
	}
	if update.Status != nil {
		task.Status = *update.Status
		switch task.Status {
		case TaskInProgress:
			run.CurrentTaskID = task.ID
		default:
			if run.CurrentTaskID == task.ID {
				run.CurrentTaskID = nextInProgress(run.Tasks)
			}
		}
	}
	task.UpdatedAt = a.now()
	run.recompute()
	a.touchLocked(run)

	updated := *task
	updated.Artifacts = append([]string(nil), task.Artifacts...)
	a.emitLocked(run, runevents.TaskUpdated{
		Task:           taskInfo(updated),
		CompletedTasks: run.Metrics.CompletedTasks,
		FailedTasks:    run.Metrics.FailedTasks,
		TotalTasks:     run.Metrics.TotalTasks,
	})
	a.unlock()
	return updated, true
}

// RecordToolCall counts one tool invocation against the run.
func (a *Aggregator) RecordToolCall(runID, toolName string) bool {
	a.mu.Lock()
	run := a.lookupLocked(runID, "record tool call")
	if run == nil {
		a.mu.Unlock()
		return false
	}
	run.Metrics.TotalToolCalls++
	a.touchLocked(run)
	a.emitLocked(run, runevents.ToolCalled{
		ToolName:       toolName,
		TotalToolCalls: run.Metrics.TotalToolCalls,
	})
	a.unlock()
	return true
}

// IncrementIteration advances the iteration counter and returns the new
// value, or 0 for an unknown run.
func (a *Aggregator) IncrementIteration(runID string) int {
	a.mu.Lock()
	run := a.lookupLocked(runID, "increment iteration")
	if run == nil {
		a.mu.Unlock()
		return 0
	}
	run.Metrics.CurrentIteration++
	a.touchLocked(run)
	iteration := run.Metrics.CurrentIteration
	a.emitLocked(run, runevents.IterationAdvanced{
		Iteration:     iteration,
		MaxIterations: run.Metrics.MaxIterations,
	})
	a.unlock()
	return iteration
}

// ReportProgress publishes a loop progress event for the run.
func (a *Aggregator) ReportProgress(runID string, iteration, maxIterations int) bool {
	a.mu.Lock()
	run := a.lookupLocked(runID, "report progress")
	if run == nil {
		a.mu.Unlock()
		return false
	}
	if maxIterations > 0 {
		run.Metrics.MaxIterations = maxIterations
	}
	percent := 0
	if maxIterations > 0 {
		percent = iteration * 100 / maxIterations
	}
	a.touchLocked(run)
	a.emitLocked(run, runevents.LoopProgress{
		Iteration:      iteration,
		MaxIterations:  maxIterations,
		TotalToolCalls: run.Metrics.TotalToolCalls,
		Percent:        percent,
	})
	a.unlock()
	return true
}

// RecordError appends a non-fatal error to the run.
func (a *Aggregator) RecordError(runID, message string, p phase.Phase, taskID string) bool {
	a.mu.Lock()
	run := a.lookupLocked(runID, "record error")
	if run == nil {
		a.mu.Unlock()
		return false
	}
	a.appendErrorLocked(run, message, p, taskID)
	recorded := run.Errors[len(run.Errors)-1]
	a.touchLocked(run)
	a.emitLocked(run, runevents.RunError{
		Message:    message,
		Phase:      string(recorded.Phase),
		TaskID:     taskID,
		ErrorCount: len(run.Errors),
	})
	a.unlock()
	return true
}

func (a *Aggregator) appendErrorLocked(run *RunState, message string, p phase.Phase, taskID string) {
	if p == "" {
		p = run.Phase
	}
	run.Errors = append(run.Errors, RunError{
		Message:   message,
		Phase:     p,
		TaskID:    taskID,
		Timestamp: a.now(),
	})
}

// MarkComplete finishes the run successfully. Runs that already finished are
// left untouched.
func (a *Aggregator) MarkComplete(runID string) bool {
	a.mu.Lock()
	run := a.lookupLocked(runID, "mark complete")
	if run == nil {
		a.mu.Unlock()
		return false
	}
	if run.Status.Terminal() {
		a.mu.Unlock()
		a.logger.Warn().Str("run_id", runID).Str("status", string(run.Status)).Msg("Run already finished")
		return false
	}

	now := a.now()
	run.Status = StatusCompleted
	run.Phase = phase.Complete
	run.CompletedAt = &now
	run.CurrentTaskID = ""
	a.touchLocked(run)
	a.emitLocked(run, runevents.RunCompleted{
		DurationMs:     now.Sub(run.StartedAt).Milliseconds(),
		CompletedTasks: run.Metrics.CompletedTasks,
		TotalTasks:     run.Metrics.TotalTasks,
	})
	completed, total := run.Metrics.CompletedTasks, run.Metrics.TotalTasks
	a.snaps = append(a.snaps, run.clone())
	a.unlock()

	observability.RecordRunFinished(string(StatusCompleted))
	a.logger.Info().
		Str("run_id", runID).
		Int("completed_tasks", completed).
		Int("total_tasks", total).
		Msg("Run completed")
	return true
}

// MarkFailed finishes the run with an error. An empty phase defaults to the
// run's current phase. A non-empty taskID marks that task blocked.
func (a *Aggregator) MarkFailed(runID, reason string, p phase.Phase, taskID string) bool {
	a.mu.Lock()
	run := a.lookupLocked(runID, "mark failed")
	if run == nil {
		a.mu.Unlock()
		return false
	}
	if run.Status.Terminal() {
		a.mu.Unlock()
		a.logger.Warn().Str("run_id", runID).Str("status", string(run.Status)).Msg("Run already finished")
		return false
	}

	if taskID != "" {
		if idx := run.taskIndex(taskID); idx >= 0 {
			run.Tasks[idx].Status = TaskBlocked
			run.Tasks[idx].UpdatedAt = a.now()
			run.recompute()
		}
	}
	a.appendErrorLocked(run, reason, p, taskID)
	failedIn := run.Errors[len(run.Errors)-1].Phase

	now := a.now()
	run.Status = StatusFailed
	run.CompletedAt = &now
	run.CurrentTaskID = ""
	a.touchLocked(run)
	a.emitLocked(run, runevents.RunFailed{
		Reason: reason,
		Phase:  string(failedIn),
		TaskID: taskID,
	})
	a.snaps = append(a.snaps, run.clone())
	a.unlock()

	observability.RecordRunFinished(string(StatusFailed))
	a.logger.Warn().
		Str("run_id", runID).
		Str("phase", string(failedIn)).
		Str("task_id", taskID).
		Str("reason", reason).
		Msg("Run failed")
	return true
}

// GetRunState returns a copy of the run.
func (a *Aggregator) GetRunState(runID string) (RunState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[runID]
	if !ok {
		return RunState{}, false
	}
	return run.clone(), true
}

// GetTasks returns a copy of the run's tasks in insertion order.
func (a *Aggregator) GetTasks(runID string) []Task {
	run, ok := a.GetRunState(runID)
	if !ok {
		return nil
	}
	return run.Tasks
}

func (a *Aggregator) GetCurrentPhase(runID string) (phase.Phase, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[runID]
	if !ok {
		return "", false
	}
	return run.Phase, true
}

// AreAllTasksComplete reports whether the run has tasks and all are done.
func (a *Aggregator) AreAllTasksComplete(runID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[runID]
	if !ok || len(run.Tasks) == 0 {
		return false
	}
	return run.Metrics.CompletedTasks == run.Metrics.TotalTasks
}

// GetCompletionPercentage returns completed/total as a whole percentage,
// rounded to nearest, or 0 when the run has no tasks.
func (a *Aggregator) GetCompletionPercentage(runID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[runID]
	if !ok || run.Metrics.TotalTasks == 0 {
		return 0
	}
	return (run.Metrics.CompletedTasks*100 + run.Metrics.TotalTasks/2) / run.Metrics.TotalTasks
}

// ListRuns returns copies of all runs ordered by start time.
func (a *Aggregator) ListRuns() []RunState {
	a.mu.Lock()
	out := make([]RunState, 0, len(a.runs))
	for _, run := range a.runs {
		out = append(out, run.clone())
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// DeleteRun drops the run regardless of status.
func (a *Aggregator) DeleteRun(runID string) bool {
	a.mu.Lock()
	_, ok := a.runs[runID]
	delete(a.runs, runID)
	a.unlock()
	return ok
}

// ActiveRunCount returns the number of runs that have not finished.
func (a *Aggregator) ActiveRunCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked()
}

func (a *Aggregator) activeLocked() int {
	n := 0
	for _, run := range a.runs {
		if !run.Status.Terminal() {
			n++
		}
	}
	return n
}

// SweepNow removes finished runs whose last activity is older than the TTL
// and returns how many were removed. Active runs are never swept.
func (a *Aggregator) SweepNow() int {
	a.mu.Lock()
	cutoff := a.now().Add(-a.ttl)
	removed := 0
	for id, run := range a.runs {
		if run.Status.Terminal() && run.LastActivityAt.Before(cutoff) {
			delete(a.runs, id)
			removed++
		}
	}
	a.unlock()

	if removed > 0 {
		observability.RecordRunsSwept(removed)
		a.logger.Info().Int("removed", removed).Dur("ttl", a.ttl).Msg("Swept finished runs")
	}
	return removed
}

// Start schedules the periodic TTL sweep.
func (a *Aggregator) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("run sweep is already running")
	}

	scheduler := cron.New()
	spec := "@every " + a.sweepInterval.String()
	if _, err := scheduler.AddFunc(spec, func() { a.SweepNow() }); err != nil {
		return fmt.Errorf("failed to schedule run sweep: %w", err)
	}
	scheduler.Start()

	a.scheduler = scheduler
	a.running = true

	a.logger.Info().
		Dur("interval", a.sweepInterval).
		Dur("ttl", a.ttl).
		Msg("Run sweep started")
	return nil
}

// Stop cancels the periodic sweep.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("run sweep is not running")
	}
	scheduler := a.scheduler
	a.scheduler = nil
	a.running = false
	a.mu.Unlock()

	<-scheduler.Stop().Done()

	a.logger.Info().Msg("Run sweep stopped")
	return nil
}

func (a *Aggregator) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Aggregator) lookupLocked(runID, op string) *RunState {
	run, ok := a.runs[runID]
	if !ok {
		a.logger.Warn().Str("run_id", runID).Str("op", op).Msg("Run not found")
		return nil
	}
	return run
}

func (a *Aggregator) touchLocked(run *RunState) {
	run.LastActivityAt = a.now()
}

func (a *Aggregator) emitLocked(run *RunState, payload runevents.Payload) {
	e := runevents.New(run.RunID, payload)
	e.SessionID = run.SessionID
	a.outbox = append(a.outbox, e)
}

// unlock releases a.mu, then publishes collected events and archives
// snapshots of runs that finished while it was held.
func (a *Aggregator) unlock() {
	events := a.outbox
	snaps := a.snaps
	a.outbox = nil
	a.snaps = nil
	observability.SetActiveRuns(a.activeLocked())
	a.mu.Unlock()

	for _, e := range events {
		a.sink.Publish(e)
	}
	if a.archive != nil {
		for _, s := range snaps {
			a.archive(s)
		}
	}
}

func taskInfo(t Task) runevents.TaskInfo {
	return runevents.TaskInfo{ID: t.ID, Title: t.Title, Status: string(t.Status)}
}

func nextInProgress(tasks []Task) string {
	for _, t := range tasks {
		if t.Status == TaskInProgress {
			return t.ID
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
