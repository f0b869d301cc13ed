package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/runcore/internal/config"
	"github.com/harun/runcore/internal/observability"
	"github.com/harun/runcore/internal/tracing"
	"github.com/harun/runcore/pkg/gateway"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lock and run-state sweeps behind the event gateway",
	Long: `Run runcore in the foreground. Starts the lock expiry sweep and the run TTL
sweep, serves /events, /runs, /locks, /metrics and /healthz on the configured
gateway address, reloads the config file on change and shuts down on
SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := getPIDFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("runcore is already running (PID file: %s)", pidFile)
	}

	logs, err := setupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logs.Close()
	logger := logs.Zerolog()

	if cfg.Telemetry.TracingEnabled {
		if err := tracing.InitOpenTelemetry(cfg.Telemetry.ServiceName, version); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = tracing.ShutdownOpenTelemetry(ctx)
		}()
	}
	if cfg.Telemetry.MetricsEnabled {
		observability.EnsureRegistered()
	}

	core, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.close(); err != nil {
			logger.Warn().Err(err).Msg("Shutdown finished with errors")
		}
	}()

	gw, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		Runs:         core.runs,
		Locks:        core.locks,
		Logger:       &logger,
		ConnectRPM:   cfg.Gateway.ConnectRPM,
		ConnectBurst: cfg.Gateway.ConnectBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	core.bus.OnAll(gw.Broadcaster().Publish)

	if cfg.Telemetry.AuditFile != "" {
		audit, err := observability.NewAuditLogger(cfg.Telemetry.AuditFile)
		if err != nil {
			return err
		}
		defer audit.Close()
		core.bus.OnAll(audit.Publish)
	}

	if err := core.locks.Start(); err != nil {
		return err
	}
	if err := core.runs.Start(); err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		logger.Warn().Err(err).Str("path", pidFile).Msg("Failed to write PID file")
	} else {
		defer os.Remove(pidFile)
	}

	if err := loader.Watch(func(next *config.Config, ev fsnotify.Event) {
		if err := logs.SetLevel(next.Logging.Level); err != nil {
			logger.Warn().Err(err).Msg("Ignoring reloaded log level")
			return
		}
		logger.Info().Str("file", ev.Name).Str("level", next.Logging.Level).Msg("Configuration reloaded")
	}); err != nil {
		logger.Debug().Err(err).Msg("Config hot reload disabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("addr", gw.Addr()).
		Str("version", version).
		Bool("history", core.history != nil).
		Msg("runcore serving")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Gateway shutdown failed")
	}
	return nil
}

func getPIDFilePath(cfg *config.Config) string {
	if cfg != nil && cfg.DataDir != "" {
		return filepath.Join(cfg.DataDir, "runcore.pid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "runcore.pid")
	}
	return filepath.Join(home, ".runcore", "runcore.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
