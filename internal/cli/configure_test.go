package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/runcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "", "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "interactive configuration wizard")
	})

	t.Run("saves wizard answers", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "runcore.yaml")
		answers := "0.0.0.0\n9001\n45s\ny\ndebug\n"

		output, err := execute(t, answers, "--config", path, "configure")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to: "+path)

		cfg, err := config.NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
		assert.Equal(t, 9001, cfg.Gateway.Port)
		assert.Equal(t, 45*time.Second, cfg.Locks.DefaultTimeout)
		assert.True(t, cfg.History.Enabled)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}
