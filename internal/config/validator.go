package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePositiveDuration rejects zero and negative durations.
func (v *Validator) ValidatePositiveDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// ValidatePositive rejects zero and negative limits.
func (v *Validator) ValidatePositive(name string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, n)
	}
	return nil
}

// ValidateNonNegative rejects negative limits. Zero disables the limit.
func (v *Validator) ValidateNonNegative(name string, n int) error {
	if n < 0 {
		return fmt.Errorf("%s must be >= 0, got %d", name, n)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidatePositiveDuration("locks.default_timeout", cfg.Locks.DefaultTimeout))
	add(v.ValidatePositiveDuration("locks.lock_ttl", cfg.Locks.LockTTL))
	add(v.ValidatePositiveDuration("locks.sweep_interval", cfg.Locks.SweepInterval))

	it := cfg.Iteration
	add(v.ValidateNonNegative("iteration.max_api_calls", it.MaxAPICalls))
	add(v.ValidateNonNegative("iteration.max_tokens", it.MaxTokens))
	add(v.ValidatePositive("iteration.max_empty_iterations", it.MaxEmptyIterations))
	add(v.ValidatePositive("iteration.max_thinking_iterations", it.MaxThinkingIterations))
	add(v.ValidatePositive("iteration.progress_interval", it.ProgressInterval))
	if it.TurnTimeout < 0 {
		add(fmt.Errorf("iteration.turn_timeout must be >= 0, got %s", it.TurnTimeout))
	}
	add(v.ValidatePositive("iteration.intent_limits.build", it.IntentLimits.Build))
	add(v.ValidatePositive("iteration.intent_limits.fix", it.IntentLimits.Fix))
	add(v.ValidatePositive("iteration.intent_limits.diagnostic", it.IntentLimits.Diagnostic))
	add(v.ValidatePositive("iteration.intent_limits.casual", it.IntentLimits.Casual))

	add(v.ValidatePositiveDuration("runs.ttl", cfg.Runs.TTL))
	add(v.ValidatePositiveDuration("runs.sweep_interval", cfg.Runs.SweepInterval))

	add(v.ValidateLogLevel(cfg.Logging.Level))
	add(v.ValidateNonNegative("logging.max_size", cfg.Logging.MaxSize))
	add(v.ValidateNonNegative("logging.max_age", cfg.Logging.MaxAge))

	if cfg.Telemetry.TracingEnabled && strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		add(fmt.Errorf("telemetry.service_name is required when tracing is enabled"))
	}

	add(v.ValidatePort(cfg.Gateway.Port))
	add(v.ValidateNonNegative("gateway.connect_rpm", cfg.Gateway.ConnectRPM))
	add(v.ValidateNonNegative("gateway.connect_burst", cfg.Gateway.ConnectBurst))

	return errs
}

func parsePositiveDuration(v *Validator, name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if err := v.ValidatePositiveDuration(name, d); err != nil {
		return 0, err
	}
	return d, nil
}
