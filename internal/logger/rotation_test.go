package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runcore.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0644))

	w, err := NewRotatingWriter(path, 1, 0, false)
	require.NoError(t, err)
	_, err = w.Write([]byte("next\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "existing\nnext\n", string(data))
}

func TestRotatingWriter_RotatesWhenFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runcore.log")

	w, err := NewRotatingWriter(path, 1, 0, false)
	require.NoError(t, err)

	chunk := []byte(strings.Repeat("x", 700*1024))
	_, err = w.Write(chunk)
	require.NoError(t, err)
	_, err = w.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriter_CompressesRotated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runcore.log")

	w, err := NewRotatingWriter(path, 1, 0, true)
	require.NoError(t, err)
	_, err = w.Write([]byte("before rotation\n"))
	require.NoError(t, err)
	require.NoError(t, w.Rotate())
	require.NoError(t, w.Close())

	gz, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, gz, 1)
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "runcore.log"), 1, 0, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingWriter_RemovesExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runcore.log")
	old := path + ".20200101-000000.000"
	fresh := path + ".20990101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0644))

	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	w, err := NewRotatingWriter(path, 1, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
