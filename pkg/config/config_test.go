package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/skirmish/pkg/domain"
)

func TestLoadConfigFile(t *testing.T) {
	configContent := `
logging:
  level: "DEBUG"
  pretty: true

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true

metrics:
  address: ":9464"

definitions:
  file: "defs.yaml"
  watch: true

script:
  timeout: 500ms

policy:
  cache_size: 64

simulation:
  frames: 120
  frame_duration: 16ms
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected level to be normalised to debug, got %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Pretty {
		t.Error("Expected pretty logging")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Metrics.Address != ":9464" {
		t.Errorf("Expected metrics address :9464, got %q", cfg.Metrics.Address)
	}
	if cfg.Definitions.File != "defs.yaml" || !cfg.Definitions.Watch {
		t.Errorf("Unexpected definitions config: %+v", cfg.Definitions)
	}
	if cfg.Script.Timeout != 500*time.Millisecond {
		t.Errorf("Expected script timeout 500ms, got %s", cfg.Script.Timeout)
	}
	if cfg.Policy.CacheSize != 64 {
		t.Errorf("Expected policy cache size 64, got %d", cfg.Policy.CacheSize)
	}
	if cfg.Simulation.Frames != 120 || cfg.Simulation.FrameDuration != 16*time.Millisecond {
		t.Errorf("Unexpected simulation config: %+v", cfg.Simulation)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default level info, got %q", cfg.Logging.Level)
	}
	if cfg.Simulation.Frames != 60 {
		t.Errorf("Expected default frames 60, got %d", cfg.Simulation.Frames)
	}
	if cfg.Policy.CacheSize != 1024 {
		t.Errorf("Expected default cache size 1024, got %d", cfg.Policy.CacheSize)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SKIRMISH_LOG_LEVEL", "warn")
	t.Setenv("SKIRMISH_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("SKIRMISH_METRICS_ADDR", ":2112")
	t.Setenv("SKIRMISH_DEFINITIONS", "/etc/skirmish/defs.cue")
	t.Setenv("SKIRMISH_SCRIPT_TIMEOUT", "1s")
	t.Setenv("SKIRMISH_SIM_FRAMES", "10")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected warn, got %q", cfg.Logging.Level)
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4317" {
		t.Errorf("Expected collector endpoint, got %q", cfg.Telemetry.OTLPEndpoint)
	}
	if cfg.Metrics.Address != ":2112" {
		t.Errorf("Expected :2112, got %q", cfg.Metrics.Address)
	}
	if cfg.Definitions.File != "/etc/skirmish/defs.cue" {
		t.Errorf("Expected definitions override, got %q", cfg.Definitions.File)
	}
	if cfg.Script.Timeout != time.Second {
		t.Errorf("Expected 1s timeout, got %s", cfg.Script.Timeout)
	}
	if cfg.Simulation.Frames != 10 {
		t.Errorf("Expected 10 frames, got %d", cfg.Simulation.Frames)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "log level", cfg: Config{Logging: LoggingConfig{Level: "verbose"}}},
		{name: "negative timeout", cfg: Config{Script: ScriptConfig{Timeout: -time.Second}}},
		{name: "negative frames", cfg: Config{Simulation: SimulationConfig{Frames: -1}}},
		{name: "watch without file", cfg: Config{Definitions: DefinitionsConfig{Watch: true}}},
		{name: "sample ratio above one", cfg: Config{Telemetry: TelemetryConfig{SampleRatio: 1.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, domain.ErrConfigInvalid) {
				t.Fatalf("expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}
