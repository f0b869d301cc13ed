package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/runcore/pkg/runstate"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and active runs",
	Long: `Show whether "runcore serve" is running and, when the gateway answers,
the runs it currently tracks.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := getPIDFilePath(cfg)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	base := "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	runs, err := fetchRuns(&http.Client{Timeout: 5 * time.Second}, base)
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Gateway: %s\n", base)
	printRuns(out, runs)
	return nil
}

func fetchRuns(client *http.Client, base string) ([]runstate.RunState, error) {
	resp, err := client.Get(base + "/runs")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var runs []runstate.RunState
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}
	return runs, nil
}

func printRuns(out io.Writer, runs []runstate.RunState) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "Runs: none")
		return
	}

	fmt.Fprintf(out, "Runs: %d\n", len(runs))
	for _, run := range runs {
		fmt.Fprintf(out, "  %s  %-9s %-9s tasks %d/%d  iteration %d/%d\n",
			run.RunID, run.Status, run.Phase,
			run.Metrics.CompletedTasks, run.Metrics.TotalTasks,
			run.Metrics.CurrentIteration, run.Metrics.MaxIterations,
		)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
