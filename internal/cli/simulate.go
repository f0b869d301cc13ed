package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/spf13/cobra"
)

var (
	scenarioFile string
	archivePath  string
	showEvents   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a scripted run through the full core",
	Long: `Replay a YAML scenario through the lock coordinator, iteration controller,
phase machine and run state aggregator, then print the final run state as JSON.
Use --archive to also store the finished run in a SQLite history database.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&scenarioFile, "scenario", "", "scenario file (YAML)")
	simulateCmd.Flags().StringVar(&archivePath, "archive", "", "SQLite history file to archive the finished run into")
	simulateCmd.Flags().BoolVar(&showEvents, "events", false, "print every emitted event to stderr")
	_ = simulateCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if archivePath != "" {
		abs, err := filepath.Abs(archivePath)
		if err != nil {
			return fmt.Errorf("invalid archive path: %w", err)
		}
		cfg.History.Enabled = true
		cfg.History.Path = abs
	}

	sc, err := LoadScenario(scenarioFile)
	if err != nil {
		return err
	}

	logs, err := setupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logs.Close()
	logger := logs.Component("simulate")

	core, err := newStack(cfg, logs.Zerolog())
	if err != nil {
		return err
	}
	defer core.close()

	if showEvents {
		core.bus.OnAll(eventPrinter(cmd.ErrOrStderr()))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := playScenario(ctx, core, sc, logger)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func eventPrinter(w io.Writer) runevents.Handler {
	return func(e runevents.Event) {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			payload = []byte(`{}`)
		}
		fmt.Fprintf(w, "%s %-20s run=%s session=%s %s\n",
			e.Timestamp.Format("15:04:05.000"), e.Type, e.RunID, e.SessionID, payload)
	}
}
