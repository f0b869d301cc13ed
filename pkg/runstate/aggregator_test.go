package runstate

import (
	"sync"
	"testing"
	"time"

	"github.com/harun/runcore/pkg/phase"
	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAggregator(t *testing.T, opts ...Option) (*Aggregator, *runevents.Recorder) {
	t.Helper()
	rec := &runevents.Recorder{}
	opts = append([]Option{WithLogger(zerolog.Nop()), WithBroadcaster(rec)}, opts...)
	return NewAggregator(opts...), rec
}

func createRun(t *testing.T, a *Aggregator, id string) RunState {
	t.Helper()
	run, err := a.CreateRun(CreateParams{RunID: id, SessionID: "sess-" + id, UserID: "user", MaxIterations: 20})
	require.NoError(t, err)
	return run
}

func statusPtr(s TaskStatus) *TaskStatus { return &s }

func TestCreateRun(t *testing.T) {
	a, rec := newTestAggregator(t)

	run := createRun(t, a, "r1")
	assert.Equal(t, phase.Thinking, run.Phase)
	assert.Equal(t, StatusActive, run.Status)
	assert.Equal(t, 20, run.Metrics.MaxIterations)
	assert.Empty(t, run.Tasks)
	assert.Nil(t, run.CompletedAt)
	assert.Equal(t, 1, a.ActiveRunCount())

	events := rec.OfType(runevents.TypeRunCreated)
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].RunID)
	assert.Equal(t, "sess-r1", events[0].SessionID)
}

func TestCreateRun_Errors(t *testing.T) {
	a, _ := newTestAggregator(t)

	_, err := a.CreateRun(CreateParams{})
	assert.ErrorIs(t, err, ErrInvalidRun)

	_, err = a.CreateRun(CreateParams{RunID: "r1", MaxIterations: -1})
	assert.ErrorIs(t, err, ErrInvalidRun)

	createRun(t, a, "r1")
	_, err = a.CreateRun(CreateParams{RunID: "r1"})
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestUnknownRunIsNoop(t *testing.T) {
	a, rec := newTestAggregator(t)

	assert.False(t, a.UpdatePhase("missing", phase.Working, ""))
	_, ok := a.AddTask("missing", TaskInput{Title: "x"})
	assert.False(t, ok)
	_, ok = a.UpdateTask("missing", "t", TaskUpdate{})
	assert.False(t, ok)
	assert.False(t, a.RecordToolCall("missing", "read_file"))
	assert.Equal(t, 0, a.IncrementIteration("missing"))
	assert.False(t, a.MarkComplete("missing"))
	assert.False(t, a.MarkFailed("missing", "boom", "", ""))

	_, ok = a.GetRunState("missing")
	assert.False(t, ok)
	assert.Nil(t, a.GetTasks("missing"))
	assert.Empty(t, rec.Events())
}

func TestTaskLifecycleAndMetrics(t *testing.T) {
	a, rec := newTestAggregator(t)
	createRun(t, a, "r1")

	added, ok := a.AddTasks("r1", []TaskInput{
		{ID: "t1", Title: "parse"},
		{ID: "t2", Title: "render"},
		{Title: "ship"},
	})
	require.True(t, ok)
	require.Len(t, added, 3)
	assert.Equal(t, "task-3", added[2].ID)
	assert.Equal(t, TaskPending, added[0].Status)
	assert.Len(t, rec.OfType(runevents.TypePlanCreated), 1)

	_, ok = a.UpdateTask("r1", "t1", TaskUpdate{Status: statusPtr(TaskInProgress)})
	require.True(t, ok)
	run, _ := a.GetRunState("r1")
	assert.Equal(t, "t1", run.CurrentTaskID)

	verification := "unit tests pass"
	task, ok := a.UpdateTask("r1", "t1", TaskUpdate{
		Status:       statusPtr(TaskDone),
		Verification: &verification,
		Artifacts:    []string{"out/a.txt", "out/a.txt"},
	})
	require.True(t, ok)
	assert.Equal(t, []string{"out/a.txt"}, task.Artifacts)
	assert.Equal(t, verification, task.Verification)

	_, ok = a.UpdateTask("r1", "t2", TaskUpdate{Status: statusPtr(TaskBlocked)})
	require.True(t, ok)

	run, _ = a.GetRunState("r1")
	assert.Empty(t, run.CurrentTaskID)
	assert.Equal(t, 3, run.Metrics.TotalTasks)
	assert.Equal(t, 1, run.Metrics.CompletedTasks)
	assert.Equal(t, 1, run.Metrics.FailedTasks)
	assert.Equal(t, 33, a.GetCompletionPercentage("r1"))
	assert.False(t, a.AreAllTasksComplete("r1"))

	updates := rec.OfType(runevents.TypeTaskUpdated)
	require.Len(t, updates, 3)
	last := updates[2].Payload.(runevents.TaskUpdated)
	assert.Equal(t, "t2", last.Task.ID)
	assert.Equal(t, 1, last.FailedTasks)
}

func TestUpdateTask_UnknownTask(t *testing.T) {
	a, _ := newTestAggregator(t)
	createRun(t, a, "r1")

	_, ok := a.UpdateTask("r1", "nope", TaskUpdate{Status: statusPtr(TaskDone)})
	assert.False(t, ok)
}

func TestAddTask_DuplicateRejected(t *testing.T) {
	a, _ := newTestAggregator(t)
	createRun(t, a, "r1")

	_, ok := a.AddTask("r1", TaskInput{ID: "t1", Title: "a"})
	require.True(t, ok)
	_, ok = a.AddTask("r1", TaskInput{ID: "t1", Title: "b"})
	assert.False(t, ok)
	assert.Len(t, a.GetTasks("r1"), 1)
}

func TestCurrentTaskFallsBackToNextInProgress(t *testing.T) {
	a, _ := newTestAggregator(t)
	createRun(t, a, "r1")
	a.AddTasks("r1", []TaskInput{{ID: "t1", Status: TaskInProgress}, {ID: "t2"}})

	a.UpdateTask("r1", "t2", TaskUpdate{Status: statusPtr(TaskInProgress)})
	run, _ := a.GetRunState("r1")
	assert.Equal(t, "t2", run.CurrentTaskID)

	a.UpdateTask("r1", "t2", TaskUpdate{Status: statusPtr(TaskDone)})
	run, _ = a.GetRunState("r1")
	assert.Equal(t, "t1", run.CurrentTaskID)
}

func TestAllTasksComplete(t *testing.T) {
	a, _ := newTestAggregator(t)
	createRun(t, a, "r1")
	assert.False(t, a.AreAllTasksComplete("r1"))
	assert.Equal(t, 0, a.GetCompletionPercentage("r1"))

	a.AddTasks("r1", []TaskInput{{ID: "t1"}, {ID: "t2"}})
	a.UpdateTask("r1", "t1", TaskUpdate{Status: statusPtr(TaskDone)})
	assert.Equal(t, 50, a.GetCompletionPercentage("r1"))
	a.UpdateTask("r1", "t2", TaskUpdate{Status: statusPtr(TaskDone)})

	assert.True(t, a.AreAllTasksComplete("r1"))
	assert.Equal(t, 100, a.GetCompletionPercentage("r1"))
}

func TestToolCallsAndIterations(t *testing.T) {
	a, rec := newTestAggregator(t)
	createRun(t, a, "r1")

	a.RecordToolCall("r1", "read_file")
	a.RecordToolCall("r1", "write_file")
	assert.Equal(t, 1, a.IncrementIteration("r1"))
	assert.Equal(t, 2, a.IncrementIteration("r1"))
	require.True(t, a.ReportProgress("r1", 5, 20))

	run, _ := a.GetRunState("r1")
	assert.Equal(t, 2, run.Metrics.TotalToolCalls)
	assert.Equal(t, 2, run.Metrics.CurrentIteration)

	progress := rec.OfType(runevents.TypeLoopProgress)
	require.Len(t, progress, 1)
	p := progress[0].Payload.(runevents.LoopProgress)
	assert.Equal(t, 25, p.Percent)
	assert.Equal(t, 2, p.TotalToolCalls)
	assert.Len(t, rec.OfType(runevents.TypeIterationAdvanced), 2)
}

func TestMarkComplete(t *testing.T) {
	clock := newFakeClock()
	var archived []RunState
	a, rec := newTestAggregator(t, WithClock(clock.Now), WithArchiver(func(s RunState) {
		archived = append(archived, s)
	}))
	createRun(t, a, "r1")
	clock.Advance(1500 * time.Millisecond)

	require.True(t, a.MarkComplete("r1"))
	assert.False(t, a.MarkComplete("r1"))
	assert.False(t, a.MarkFailed("r1", "late", "", ""))

	run, _ := a.GetRunState("r1")
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, phase.Complete, run.Phase)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, 0, a.ActiveRunCount())

	events := rec.OfType(runevents.TypeRunCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1500), events[0].Payload.(runevents.RunCompleted).DurationMs)

	require.Len(t, archived, 1)
	assert.Equal(t, StatusCompleted, archived[0].Status)
}

func TestMarkFailed(t *testing.T) {
	a, rec := newTestAggregator(t)
	createRun(t, a, "r1")
	a.AddTask("r1", TaskInput{ID: "t1", Status: TaskInProgress})
	a.UpdatePhase("r1", phase.Working, "")

	require.True(t, a.MarkFailed("r1", "compile error", "", "t1"))

	run, _ := a.GetRunState("r1")
	assert.Equal(t, StatusFailed, run.Status)
	assert.Empty(t, run.CurrentTaskID)
	assert.Equal(t, TaskBlocked, run.Tasks[0].Status)
	assert.Equal(t, 1, run.Metrics.FailedTasks)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "compile error", run.Errors[0].Message)
	assert.Equal(t, phase.Working, run.Errors[0].Phase)
	assert.Equal(t, "t1", run.Errors[0].TaskID)

	payload := rec.OfType(runevents.TypeRunFailed)[0].Payload.(runevents.RunFailed)
	assert.Equal(t, "working", payload.Phase)
}

func TestRecordError_KeepsRunActive(t *testing.T) {
	a, rec := newTestAggregator(t)
	createRun(t, a, "r1")

	require.True(t, a.RecordError("r1", "flaky tool", phase.Verifying, ""))
	require.True(t, a.RecordError("r1", "lock busy", "", "t9"))
	run, _ := a.GetRunState("r1")
	assert.Equal(t, StatusActive, run.Status)
	assert.Equal(t, phase.Verifying, run.Errors[0].Phase)

	events := rec.OfType(runevents.TypeRunError)
	require.Len(t, events, 2)
	assert.Equal(t, "r1", events[0].RunID)
	first := events[0].Payload.(runevents.RunError)
	assert.Equal(t, "flaky tool", first.Message)
	assert.Equal(t, string(phase.Verifying), first.Phase)
	assert.Equal(t, 1, first.ErrorCount)
	second := events[1].Payload.(runevents.RunError)
	assert.Equal(t, string(run.Phase), second.Phase)
	assert.Equal(t, "t9", second.TaskID)
	assert.Equal(t, 2, second.ErrorCount)

	assert.False(t, a.RecordError("missing", "boom", "", ""))
	assert.Len(t, rec.OfType(runevents.TypeRunError), 2)
}

func TestGetRunState_ReturnsCopy(t *testing.T) {
	a, _ := newTestAggregator(t)
	createRun(t, a, "r1")
	a.AddTask("r1", TaskInput{ID: "t1", Title: "orig"})

	run, _ := a.GetRunState("r1")
	run.Tasks[0].Title = "mutated"

	assert.Equal(t, "orig", a.GetTasks("r1")[0].Title)
}

func TestUpdatePhase_AsRecorder(t *testing.T) {
	a, rec := newTestAggregator(t)
	createRun(t, a, "r1")

	m := phase.NewMachine("r1", phase.WithRecorder(a), phase.WithLogger(zerolog.Nop()))
	m.EmitPhase(phase.Planning, "drafting plan")

	p, ok := a.GetCurrentPhase("r1")
	require.True(t, ok)
	assert.Equal(t, phase.Planning, p)
	assert.Len(t, rec.OfType(runevents.TypeRunPhase), 1)
}

func TestUpdatePhase_SharedSinkEmitsOnePerType(t *testing.T) {
	a, rec := newTestAggregator(t)
	createRun(t, a, "r1")
	before := len(rec.Events())

	m := phase.NewMachine("r1",
		phase.WithRecorder(a),
		phase.WithBroadcaster(rec),
		phase.WithLogger(zerolog.Nop()),
	)
	require.True(t, m.EmitPhase(phase.Working, "editing"))
	require.False(t, m.EmitPhase(phase.Working, "editing again"))

	events := rec.Events()[before:]
	require.Len(t, events, 2)
	assert.Equal(t, runevents.TypeRunPhase, events[0].Type)
	assert.Equal(t, runevents.TypePhaseChanged, events[1].Type)
	assert.Len(t, rec.OfType(runevents.TypePhaseChanged), 1)
	assert.Len(t, rec.OfType(runevents.TypeRunPhase), 1)
}

func TestListAndDeleteRuns(t *testing.T) {
	clock := newFakeClock()
	a, _ := newTestAggregator(t, WithClock(clock.Now))
	createRun(t, a, "b")
	clock.Advance(time.Second)
	createRun(t, a, "a")

	runs := a.ListRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].RunID)
	assert.Equal(t, "a", runs[1].RunID)

	assert.True(t, a.DeleteRun("b"))
	assert.False(t, a.DeleteRun("b"))
	assert.Len(t, a.ListRuns(), 1)
}

func TestSweepNow(t *testing.T) {
	clock := newFakeClock()
	a, _ := newTestAggregator(t, WithClock(clock.Now), WithTTL(time.Hour))
	createRun(t, a, "done")
	createRun(t, a, "active")
	createRun(t, a, "recent")
	a.MarkComplete("done")

	clock.Advance(2 * time.Hour)
	a.MarkFailed("recent", "boom", "", "")

	assert.Equal(t, 1, a.SweepNow())
	_, ok := a.GetRunState("done")
	assert.False(t, ok)
	_, ok = a.GetRunState("active")
	assert.True(t, ok, "active runs are never swept")
	_, ok = a.GetRunState("recent")
	assert.True(t, ok)
}

func TestStartStop(t *testing.T) {
	a, _ := newTestAggregator(t, WithSweepInterval(time.Hour))

	require.NoError(t, a.Start())
	assert.True(t, a.IsRunning())
	assert.Error(t, a.Start())

	require.NoError(t, a.Stop())
	assert.False(t, a.IsRunning())
	assert.Error(t, a.Stop())
}

func TestConcurrentMutations(t *testing.T) {
	a, _ := newTestAggregator(t)
	createRun(t, a, "r1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.RecordToolCall("r1", "grep")
			a.IncrementIteration("r1")
		}()
	}
	wg.Wait()

	run, _ := a.GetRunState("r1")
	assert.Equal(t, 50, run.Metrics.TotalToolCalls)
	assert.Equal(t, 50, run.Metrics.CurrentIteration)
}
