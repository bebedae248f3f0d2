// Package config provides configuration types, defaults, and
// persistence for tern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/tern/internal/log"
)

// BusConfig tunes the event bus.
type BusConfig struct {
	// DedupWindow is how long an identical discrete event is
	// suppressed after the first occurrence.
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	// CoalesceInterval bounds how often buffered stream chunks are
	// flushed to subscribers.
	CoalesceInterval time.Duration `mapstructure:"coalesce_interval"`
	// BufferSize is the per-subscriber delivery queue depth.
	BufferSize int `mapstructure:"buffer_size"`
}

// StreamConfig tunes the coordinator's duplicate-suppression policy.
type StreamConfig struct {
	// DuplicatePrefixLen is the prefix-match length for recognizing a
	// discrete message that repeats a finalized stream.
	DuplicatePrefixLen int `mapstructure:"duplicate_prefix_len"`
	// DuplicateSimilarity is the fuzzy-match threshold in (0,1].
	// Zero disables fuzzy matching.
	DuplicateSimilarity float64 `mapstructure:"duplicate_similarity"`
}

// TracingConfig configures the OpenTelemetry subsystem.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Exporter selects the export backend: "none", "file", "stdout", "otlp".
	Exporter string `mapstructure:"exporter"`
	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`
	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// SampleRate controls the fraction of traces to sample.
	SampleRate float64 `mapstructure:"sample_rate"`
	// ServiceName identifies this process in traces.
	ServiceName string `mapstructure:"service_name"`
}

// Config holds all configuration options for tern.
type Config struct {
	Bus     BusConfig     `mapstructure:"bus"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Tracing TracingConfig `mapstructure:"tracing"`
	// Script is the path of the scenario file the demo producer replays.
	Script string `mapstructure:"script"`
	// Debug enables file logging.
	Debug bool `mapstructure:"debug"`
	// LogFile overrides the default debug log location.
	LogFile string `mapstructure:"log_file"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Bus: BusConfig{
			DedupWindow:      50 * time.Millisecond,
			CoalesceInterval: 50 * time.Millisecond,
			BufferSize:       64,
		},
		Stream: StreamConfig{
			DuplicatePrefixLen:  50,
			DuplicateSimilarity: 0.95,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "tern",
		},
	}
}

// Validate checks the configuration for values that would misbehave
// at runtime.
func Validate(cfg Config) error {
	if cfg.Bus.DedupWindow < 0 {
		return fmt.Errorf("bus.dedup_window must not be negative")
	}
	if cfg.Bus.CoalesceInterval < 0 {
		return fmt.Errorf("bus.coalesce_interval must not be negative")
	}
	if cfg.Bus.BufferSize < 0 {
		return fmt.Errorf("bus.buffer_size must not be negative")
	}
	if cfg.Stream.DuplicatePrefixLen < 0 {
		return fmt.Errorf("stream.duplicate_prefix_len must not be negative")
	}
	if cfg.Stream.DuplicateSimilarity < 0 || cfg.Stream.DuplicateSimilarity > 1 {
		return fmt.Errorf("stream.duplicate_similarity must be in [0,1]")
	}
	return validateTracing(cfg.Tracing)
}

func validateTracing(t TracingConfig) error {
	if !t.Enabled {
		return nil
	}
	switch t.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter %q is not one of none, file, stdout, otlp", t.Exporter)
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0,1]")
	}
	return nil
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# tern configuration
# Timing values accept Go duration strings ("50ms", "1s").

bus:
  # Identical discrete events inside this window are suppressed.
  dedup_window: 50ms
  # Buffered stream chunks are flushed at most once per interval.
  coalesce_interval: 50ms
  # Per-subscriber delivery queue depth.
  buffer_size: 64

stream:
  # Prefix length for recognizing a message that repeats a finalized stream.
  duplicate_prefix_len: 50
  # Fuzzy-match threshold in (0,1]. 0 disables fuzzy matching.
  duplicate_similarity: 0.95

tracing:
  enabled: false
  # Options: none, file, stdout, otlp
  exporter: file
  # file_path: ~/.config/tern/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0
  service_name: tern

# Scenario file the demo producer replays.
# script: .tern/scenario.yaml

debug: false
`
}

// WriteDefaultConfig creates a config file at the given path with
// default settings and comments. Creates the parent directory if it
// doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
