// Package config loads the application config and the combat definition files
// (pipelines, overrides, config-authored stages and buffs), watches definition
// files for changes, and applies definition snapshots to a pipeline manager.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/skirmish/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Script      ScriptConfig      `yaml:"script"`
	Policy      PolicyConfig      `yaml:"policy"`
	Simulation  SimulationConfig  `yaml:"simulation"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// DefinitionsConfig points at the definitions file.
type DefinitionsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// ScriptConfig bounds Lua execution.
type ScriptConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// PolicyConfig sizes the Rego decision cache.
type PolicyConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// SimulationConfig drives the frame loop of the simulate command.
type SimulationConfig struct {
	Frames        int           `yaml:"frames"`
	FrameDuration time.Duration `yaml:"frame_duration"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "info"},
		Script:     ScriptConfig{Timeout: 250 * time.Millisecond},
		Policy:     PolicyConfig{CacheSize: 1024},
		Simulation: SimulationConfig{Frames: 60},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file %s: %w", domain.ErrConfigInvalid, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file %s: %w", domain.ErrConfigInvalid, path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("SKIRMISH_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("SKIRMISH_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("SKIRMISH_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("SKIRMISH_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("SKIRMISH_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}

	if val := os.Getenv("SKIRMISH_DEFINITIONS"); val != "" {
		cfg.Definitions.File = val
	}
	if val := os.Getenv("SKIRMISH_DEFINITIONS_WATCH"); val == "true" {
		cfg.Definitions.Watch = true
	}

	if val := os.Getenv("SKIRMISH_SCRIPT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Script.Timeout = d
		}
	}
	if val := os.Getenv("SKIRMISH_SIM_FRAMES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Simulation.Frames = n
		}
	}
}

// Validate checks every section and normalises defaults. Failures match
// domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry configuration: sample_ratio must be within [0, 1], got %v", c.Telemetry.SampleRatio)
	}
	if c.Script.Timeout < 0 {
		return fmt.Errorf("script configuration: timeout must not be negative, got %s", c.Script.Timeout)
	}
	if c.Simulation.Frames < 0 {
		return fmt.Errorf("simulation configuration: frames must not be negative, got %d", c.Simulation.Frames)
	}
	if c.Simulation.FrameDuration < 0 {
		return fmt.Errorf("simulation configuration: frame_duration must not be negative, got %s", c.Simulation.FrameDuration)
	}
	if c.Definitions.Watch && strings.TrimSpace(c.Definitions.File) == "" {
		return fmt.Errorf("definitions configuration: watch requires a file")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
