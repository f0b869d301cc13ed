package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/harun/runcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir}
	pidFile := getPIDFilePath(cfg)
	assert.Equal(t, filepath.Join(dir, "runcore.pid"), pidFile)

	assert.False(t, isRunning(pidFile), "missing file")

	require.NoError(t, writePIDFile(pidFile))
	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, isRunning(pidFile))

	require.NoError(t, os.WriteFile(pidFile, []byte("garbage"), 0644))
	assert.False(t, isRunning(pidFile))
	_, err = readPID(pidFile)
	assert.Error(t, err)
}

func TestGetPIDFilePath_Fallback(t *testing.T) {
	assert.Equal(t, "runcore.pid", filepath.Base(getPIDFilePath(nil)))
}

func TestServe_RefusesWhenAlreadyRunning(t *testing.T) {
	path := writeTestConfig(t, "")
	pidFile := filepath.Join(filepath.Dir(path), "runcore.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

	_, err := execute(t, "", "--config", path, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
