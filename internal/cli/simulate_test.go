package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/runcore/internal/config"
	"github.com/harun/runcore/pkg/iteration"
	"github.com/harun/runcore/pkg/phase"
	"github.com/harun/runcore/pkg/runhistory"
	"github.com/harun/runcore/pkg/runstate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixScenario = `
run_id: sim-1
session_id: s1
prompt: fix the failing login handler
tasks:
  - id: t1
    title: Inspect handler
  - id: t2
    title: Patch handler
    verification: go test ./auth/...
turns:
  - phase: planning
    thinking: true
  - phase: working
    tools:
      - {name: read_file, kind: read, path: auth/login.go}
    task: t1
    task_status: done
  - tools:
      - {name: edit_file, kind: edit, path: auth/login.go}
    task: t2
    task_status: done
    artifacts: [auth/login.go]
  - phase: verifying
    tools:
      - {name: grep, kind: search, path: auth}
    stop: true
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestStack(t *testing.T) *stack {
	t.Helper()
	core, err := newStack(config.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.close() })
	return core
}

func play(t *testing.T, content string) *SimulationReport {
	t.Helper()
	sc, err := LoadScenario(writeScenario(t, content))
	require.NoError(t, err)

	report, err := playScenario(context.Background(), newTestStack(t), sc, zerolog.Nop())
	require.NoError(t, err)
	return report
}

func TestLoadScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no turns", "run_id: x\n"},
		{"bad phase", "turns:\n  - phase: dreaming\n"},
		{"bad tool kind", "turns:\n  - tools:\n      - {name: x, kind: delete, path: a}\n"},
		{"missing path", "turns:\n  - tools:\n      - {name: x, kind: read}\n"},
		{"not yaml", "turns: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPlayScenario_Completes(t *testing.T) {
	report := play(t, fixScenario)

	assert.Equal(t, iteration.StopCallback, report.StopReason)
	assert.Equal(t, runstate.StatusCompleted, report.Run.Status)
	assert.Equal(t, phase.Complete, report.Run.Phase)
	assert.Equal(t, 2, report.Run.Metrics.CompletedTasks)
	assert.Equal(t, 3, report.Run.Metrics.TotalToolCalls)
	assert.Equal(t, 4, report.Run.Metrics.CurrentIteration)
	assert.Equal(t, []string{"auth/login.go"}, report.Run.Tasks[1].Artifacts)

	var phases []phase.Phase
	for _, tr := range report.Transitions {
		phases = append(phases, tr.Phase)
	}
	assert.Equal(t, phase.Order, phases)
	assert.Equal(t, 4, report.Telemetry.Turns)
}

func TestPlayScenario_AntiParalysisBlocksRepeatedReads(t *testing.T) {
	report := play(t, `
run_id: sim-2
turns:
  - tools: [{name: read_file, kind: read, path: big.go, size: 60000}]
  - tools: [{name: read_file, kind: read, path: big.go, size: 60000}]
  - tools: [{name: read_file, kind: read, path: big.go, size: 60000}]
  - tools: [{name: write_file, kind: write, path: big.go}]
    stop: true
`)

	assert.Equal(t, 1, report.ReadWarns)
	assert.Equal(t, 1, report.ReadBlocks)
	assert.Equal(t, 3, report.Run.Metrics.TotalToolCalls, "blocked read is not executed")
	require.Len(t, report.Run.Errors, 1)
	assert.Contains(t, report.Run.Errors[0].Message, "big.go")
	assert.Equal(t, runstate.StatusCompleted, report.Run.Status)
}

func TestPlayScenario_EmptyTurnsFail(t *testing.T) {
	report := play(t, `
run_id: sim-3
turns:
  - message: nothing
  - message: still nothing
  - message: again nothing
  - message: never reached
`)

	assert.Equal(t, iteration.StopEmptyIterations, report.StopReason)
	assert.Equal(t, runstate.StatusFailed, report.Run.Status)
	assert.Equal(t, 3, report.Run.Metrics.CurrentIteration)
}

func TestPlayScenario_TurnErrorFails(t *testing.T) {
	report := play(t, `
run_id: sim-4
turns:
  - tools: [{name: read_file, kind: read, path: a.go}]
  - error: model unavailable
`)

	assert.Equal(t, iteration.StopTurnError, report.StopReason)
	assert.Equal(t, runstate.StatusFailed, report.Run.Status)
	require.NotEmpty(t, report.Run.Errors)
	assert.Contains(t, report.Run.Errors[len(report.Run.Errors)-1].Message, "model unavailable")
}

func TestPlayScenario_UnfinishedTasksFail(t *testing.T) {
	report := play(t, `
run_id: sim-5
tasks: [{id: t1, title: Never done}]
turns:
  - tools: [{name: read_file, kind: read, path: a.go}]
    stop: true
`)

	assert.Equal(t, runstate.StatusFailed, report.Run.Status)
	assert.Contains(t, report.Run.Errors[0].Message, "unfinished tasks")
}

func TestPlayScenario_GeneratesIDs(t *testing.T) {
	report := play(t, "turns:\n  - tools: [{name: ls, kind: search, path: .}]\n")
	assert.NotEmpty(t, report.Run.RunID)
	assert.Equal(t, "simulate", report.Run.SessionID)
}

func TestSimulateCommand_ArchivesRun(t *testing.T) {
	cfg := writeTestConfig(t, "")
	db := filepath.Join(t.TempDir(), "history.db")

	output, err := execute(t, "", "--config", cfg, "simulate", "--scenario", writeScenario(t, fixScenario), "--archive", db)
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	assert.Equal(t, string(iteration.StopCallback), report["stop_reason"])

	logger := zerolog.Nop()
	store, err := runhistory.Open(runhistory.Config{Path: db, Logger: &logger})
	require.NoError(t, err)
	defer store.Close()

	run, err := store.Get(context.Background(), "sim-1")
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusCompleted, run.Status)
	assert.Len(t, run.Tasks, 2)
}

func TestSimulateCommand_RequiresScenario(t *testing.T) {
	_, err := execute(t, "", "--config", writeTestConfig(t, ""), "simulate")
	assert.Error(t, err)
}
