package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the runcore configuration
type Config struct {
	Locks     LocksConfig     `json:"locks" yaml:"locks" mapstructure:"locks"`
	Iteration IterationConfig `json:"iteration" yaml:"iteration" mapstructure:"iteration"`
	Runs      RunsConfig      `json:"runs" yaml:"runs" mapstructure:"runs"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	History   HistoryConfig   `json:"history" yaml:"history" mapstructure:"history"`

	// Data directory
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// LocksConfig holds file lock coordinator settings
type LocksConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout" mapstructure:"default_timeout"`
	LockTTL        time.Duration `json:"lock_ttl" yaml:"lock_ttl" mapstructure:"lock_ttl"`
	SweepInterval  time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// IterationConfig holds turn loop limits
type IterationConfig struct {
	MaxAPICalls           int                `json:"max_api_calls" yaml:"max_api_calls" mapstructure:"max_api_calls"`
	MaxTokens             int                `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxEmptyIterations    int                `json:"max_empty_iterations" yaml:"max_empty_iterations" mapstructure:"max_empty_iterations"`
	MaxThinkingIterations int                `json:"max_thinking_iterations" yaml:"max_thinking_iterations" mapstructure:"max_thinking_iterations"`
	TurnTimeout           time.Duration      `json:"turn_timeout" yaml:"turn_timeout" mapstructure:"turn_timeout"`
	ProgressInterval      int                `json:"progress_interval" yaml:"progress_interval" mapstructure:"progress_interval"`
	IntentLimits          IntentLimitsConfig `json:"intent_limits" yaml:"intent_limits" mapstructure:"intent_limits"`
}

// IntentLimitsConfig maps user intents to iteration ceilings
type IntentLimitsConfig struct {
	Build      int `json:"build" yaml:"build" mapstructure:"build"`
	Fix        int `json:"fix" yaml:"fix" mapstructure:"fix"`
	Diagnostic int `json:"diagnostic" yaml:"diagnostic" mapstructure:"diagnostic"`
	Casual     int `json:"casual" yaml:"casual" mapstructure:"casual"`
}

// RunsConfig holds run state retention settings
type RunsConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	Console   bool   `json:"console" yaml:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	Compress  bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig toggles metrics and tracing
type TelemetryConfig struct {
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
	ServiceName    string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	AuditFile      string `json:"audit_file" yaml:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds the event gateway listen address
type GatewayConfig struct {
	Host         string `json:"host" yaml:"host" mapstructure:"host"`
	Port         int    `json:"port" yaml:"port" mapstructure:"port"`
	ConnectRPM   int    `json:"connect_rpm" yaml:"connect_rpm" mapstructure:"connect_rpm"`
	ConnectBurst int    `json:"connect_burst" yaml:"connect_burst" mapstructure:"connect_burst"`
}

// HistoryConfig controls the SQLite archive of finished runs
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" yaml:"path" mapstructure:"path"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Locks: LocksConfig{
			DefaultTimeout: 30 * time.Second,
			LockTTL:        5 * time.Minute,
			SweepInterval:  30 * time.Second,
		},
		Iteration: IterationConfig{
			MaxAPICalls:           100,
			MaxTokens:             1_000_000,
			MaxEmptyIterations:    3,
			MaxThinkingIterations: 3,
			TurnTimeout:           2 * time.Minute,
			ProgressInterval:      5,
			IntentLimits: IntentLimitsConfig{
				Build:      50,
				Fix:        30,
				Diagnostic: 20,
				Casual:     5,
			},
		},
		Runs: RunsConfig{
			TTL:           time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			TracingEnabled: false,
			ServiceName:    "runcore",
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8420,
			ConnectRPM:   60,
			ConnectBurst: 10,
		},
		History: HistoryConfig{
			Enabled: false,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. All problems are reported
// in one joined error.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
