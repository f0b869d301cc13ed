package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAuditLines(t *testing.T, path string) []map[string]any {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestAuditLogger_PublishFiltersLifecycleEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := NewAuditLogger(path)
	require.NoError(t, err)

	acquired := runevents.NewSessionEvent("s1", runevents.LockAcquired{LockID: "l1", Path: "/a.go", Mode: "write"})
	acquired.RunID = "run-1"
	audit.Publish(acquired)
	audit.Publish(runevents.New("run-1", runevents.LoopProgress{Iteration: 1, MaxIterations: 4, Percent: 25}))
	audit.Publish(runevents.New("run-1", runevents.RunFailed{Reason: "boom"}))
	require.NoError(t, audit.Close())

	lines := readAuditLines(t, path)
	require.Len(t, lines, 2)

	assert.Equal(t, "lock", lines[0]["type"])
	assert.Equal(t, "lock.acquired", lines[0]["action"])
	assert.Equal(t, "success", lines[0]["status"])
	assert.Equal(t, "s1", lines[0]["actor"])
	assert.Equal(t, "run-1", lines[0]["run_id"])

	assert.Equal(t, "run", lines[1]["type"])
	assert.Equal(t, "run.failed", lines[1]["action"])
	assert.Equal(t, "failure", lines[1]["status"])
	meta, ok := lines[1]["metadata"].(map[string]any)
	require.True(t, ok)
	payload, ok := meta["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boom", payload["reason"])
}

func TestAuditLogger_RecordAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := NewAuditLogger(path)
	require.NoError(t, err)

	audit.Record(context.Background(), AuditEvent{Type: "lock", Action: "lock.released", Status: "success"})
	require.NoError(t, audit.Close())
	require.NoError(t, audit.Close())

	audit.Record(context.Background(), AuditEvent{Type: "lock", Action: "lock.expired", Status: "failure"})
	assert.Len(t, readAuditLines(t, path), 1)
}

func TestNewAuditLogger_BadPath(t *testing.T) {
	_, err := NewAuditLogger(filepath.Join(t.TempDir(), "missing", "audit.jsonl"))
	assert.Error(t, err)
}
