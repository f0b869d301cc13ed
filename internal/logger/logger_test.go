package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobal(t *testing.T) {
	t.Helper()
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestNew_JSONConsole(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer

	l, err := newLogger(Config{Level: "debug", Console: true}, &buf)
	require.NoError(t, err)
	defer l.Close()

	cl := l.Component("filelock")
	cl.Debug().Str("path", "a.go").Msg("Lock acquired")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "filelock", entry["component"])
	assert.Equal(t, "runcore", entry["service"])
	assert.Equal(t, "Lock acquired", entry["message"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer

	l, err := newLogger(Config{Level: "loud", Console: true}, &buf)
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
	zl.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_SetsGlobalLogger(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer

	_, err := newLogger(Config{Level: "info", Console: true}, &buf)
	require.NoError(t, err)

	log.Info().Msg("via global")
	assert.Contains(t, buf.String(), "via global")
}

func TestNew_FileOutput(t *testing.T) {
	restoreGlobal(t)
	path := filepath.Join(t.TempDir(), "logs", "runcore.log")

	l, err := New(Config{Level: "info", File: path, MaxSize: 1})
	require.NoError(t, err)
	zl := l.Zerolog()
	zl.Info().Msg("written to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNew_Redaction(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer

	l, err := newLogger(Config{Level: "info", Console: true, Redaction: true}, &buf)
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Info().Str("auth", "Bearer abc.def.ghi").Msg("calling model")
	assert.NotContains(t, buf.String(), "abc.def.ghi")
	assert.Contains(t, buf.String(), redacted)
}

func TestSetLevel(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer

	l, err := newLogger(Config{Level: "info", Console: true}, &buf)
	require.NoError(t, err)

	require.NoError(t, l.SetLevel("warn"))
	zl := l.Zerolog()
	zl.Info().Msg("quiet")
	assert.Empty(t, buf.String())

	assert.Error(t, l.SetLevel("nope"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
