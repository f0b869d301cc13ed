package runhistory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/runcore/pkg/phase"
	"github.com/harun/runcore/pkg/runstate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()

	logger := zerolog.Nop()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "history.db"), Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id, session string, started time.Time) runstate.RunState {
	done := started.Add(90 * time.Second)
	return runstate.RunState{
		RunID:         id,
		SessionID:     session,
		UserID:        "u1",
		Phase:         phase.Complete,
		Status:        runstate.StatusCompleted,
		CurrentTaskID: "",
		Tasks: []runstate.Task{
			{ID: "task-1", Title: "Read config", Status: runstate.TaskDone, Artifacts: []string{"config.yaml"}, UpdatedAt: started.Add(time.Second)},
			{ID: "task-2", Title: "Patch handler", Status: runstate.TaskBlocked, Verification: "go test ./...", UpdatedAt: started.Add(2 * time.Second)},
		},
		Metrics: runstate.Metrics{TotalTasks: 2, CompletedTasks: 1, FailedTasks: 1, TotalToolCalls: 7, CurrentIteration: 4, MaxIterations: 30},
		Errors: []runstate.RunError{
			{Message: "compile failed", Phase: phase.Verifying, TaskID: "task-2", Timestamp: started.Add(80 * time.Second)},
		},
		StartedAt:      started,
		CompletedAt:    &done,
		LastActivityAt: done,
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestSaveAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := sampleRun("run-1", "s1", started)

	require.NoError(t, s.Save(ctx, run))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, phase.Complete, got.Phase)
	assert.Equal(t, runstate.StatusCompleted, got.Status)
	assert.Equal(t, run.Metrics, got.Metrics)
	assert.True(t, got.StartedAt.Equal(started))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(*run.CompletedAt))

	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "task-1", got.Tasks[0].ID)
	assert.Equal(t, []string{"config.yaml"}, got.Tasks[0].Artifacts)
	assert.Equal(t, runstate.TaskBlocked, got.Tasks[1].Status)
	assert.Equal(t, "go test ./...", got.Tasks[1].Verification)

	require.Len(t, got.Errors, 1)
	assert.Equal(t, "compile failed", got.Errors[0].Message)
	assert.Equal(t, phase.Verifying, got.Errors[0].Phase)
}

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSave_ReplacesPreviousArchive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	run := sampleRun("run-1", "s1", time.Now())
	require.NoError(t, s.Save(ctx, run))

	run.Tasks = run.Tasks[:1]
	run.Errors = nil
	run.Status = runstate.StatusFailed
	require.NoError(t, s.Save(ctx, run))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, got.Status)
	assert.Len(t, got.Tasks, 1)
	assert.Empty(t, got.Errors)
}

func TestSave_RequiresRunID(t *testing.T) {
	s := createTestStore(t)
	assert.Error(t, s.Save(context.Background(), runstate.RunState{}))
}

func TestList_FiltersAndOrders(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleRun("run-a", "s1", base)))
	require.NoError(t, s.Save(ctx, sampleRun("run-b", "s1", base.Add(time.Hour))))
	failed := sampleRun("run-c", "s2", base.Add(2*time.Hour))
	failed.Status = runstate.StatusFailed
	failed.CompletedAt = nil
	require.NoError(t, s.Save(ctx, failed))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-c", all[0].RunID, "newest first")
	assert.Nil(t, all[0].CompletedAt)
	assert.Equal(t, 1, all[0].ErrorCount)

	bySession, err := s.List(ctx, Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	byStatus, err := s.List(ctx, Filter{Status: runstate.StatusFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "run-c", byStatus[0].RunID)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPrune(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleRun("old", "s1", base)))
	require.NoError(t, s.Save(ctx, sampleRun("new", "s1", base.Add(48*time.Hour))))

	n, err := s.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestArchive_FromAggregator(t *testing.T) {
	s := createTestStore(t)
	agg := runstate.NewAggregator(runstate.WithLogger(zerolog.Nop()), runstate.WithArchiver(s.Archive))

	_, err := agg.CreateRun(runstate.CreateParams{RunID: "live", SessionID: "s1", MaxIterations: 10})
	require.NoError(t, err)
	_, ok := agg.AddTask("live", runstate.TaskInput{Title: "Write tests"})
	require.True(t, ok)
	require.True(t, agg.MarkFailed("live", "tool crashed", phase.Working, ""))

	require.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), "live")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.Get(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, got.Status)
	require.Len(t, got.Tasks, 1)
	require.NotEmpty(t, got.Errors)
	assert.Equal(t, "tool crashed", got.Errors[len(got.Errors)-1].Message)
}
