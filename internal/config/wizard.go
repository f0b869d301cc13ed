package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the settings most hosts change and returns a config built on
// the defaults. Empty answers keep the default.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== runcore configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Fprintln(w.out, "Gateway:")
	host, err := w.ask("Listen host", cfg.Gateway.Host)
	if err != nil {
		return nil, err
	}
	cfg.Gateway.Host = host

	for {
		answer, err := w.ask("Listen port", strconv.Itoa(cfg.Gateway.Port))
		if err != nil {
			return nil, err
		}
		port, convErr := strconv.Atoi(answer)
		if convErr == nil {
			convErr = validator.ValidatePort(port)
		}
		if convErr != nil {
			fmt.Fprintf(w.out, "Error: %v\n", convErr)
			continue
		}
		cfg.Gateway.Port = port
		break
	}
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "Locks:")
	for {
		answer, err := w.ask("Lock wait timeout", cfg.Locks.DefaultTimeout.String())
		if err != nil {
			return nil, err
		}
		d, convErr := parsePositiveDuration(validator, "lock wait timeout", answer)
		if convErr != nil {
			fmt.Fprintf(w.out, "Error: %v\n", convErr)
			continue
		}
		cfg.Locks.DefaultTimeout = d
		break
	}
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "Run history:")
	enable, err := w.ask("Archive finished runs to SQLite? (y/n)", "n")
	if err != nil {
		return nil, err
	}
	cfg.History.Enabled = strings.EqualFold(enable, "y")
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "Logging:")
	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return cfg, nil
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
