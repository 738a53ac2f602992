// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/vtrace/internal/core"
)

// Config represents the top-level configuration.
// Maps to the `vtrace:` root key in YAML.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Output   OutputConfig   `mapstructure:"output"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Capture ───

// CaptureConfig controls how captures are read.
type CaptureConfig struct {
	// LocalNetworks are the device address ranges; empty = infer per flow.
	LocalNetworks []netip.Prefix `mapstructure:"local_networks"`
	// Ports keeps only traffic on these ports; empty = all.
	Ports           []uint16      `mapstructure:"ports"`
	FragmentTimeout time.Duration `mapstructure:"fragment_timeout"`
	// BPF is a compiled classic BPF program in `tcpdump -ddd` form, run
	// over every frame before decoding.
	BPF string `mapstructure:"bpf"`
}

// ─── Analysis ───

// AnalysisConfig tunes the reconstruction pipeline.
type AnalysisConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers"` // 0 = GOMAXPROCS
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	NearStallWindow  time.Duration `mapstructure:"near_stall_window"`
	ExpectedSegments int           `mapstructure:"expected_segments"` // 0 = from manifest
	KeepBuffers      bool          `mapstructure:"keep_buffers"`      // keep buffer series in output
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Textfile string `mapstructure:"textfile"` // written after the run when set
	Listen   string `mapstructure:"listen"`   // serve the run's registry when set
	Path     string `mapstructure:"path"`
	Runtime  bool   `mapstructure:"runtime"` // include Go runtime collectors
}

// ─── Output ───

// OutputConfig selects the summary format and destination.
type OutputConfig struct {
	Format string `mapstructure:"format"` // yaml / json / text
	Path   string `mapstructure:"path"`   // empty = stdout
}

// Output formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatText = "text"
)

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", core.ErrConfigInvalid)
	}

	// ── Capture validation ──
	for _, p := range cfg.Capture.Ports {
		if p == 0 {
			return fmt.Errorf("%w: capture.ports must not contain 0", core.ErrConfigInvalid)
		}
	}
	for i, p := range cfg.Capture.LocalNetworks {
		cfg.Capture.LocalNetworks[i] = p.Masked()
	}
	if cfg.Capture.FragmentTimeout < 0 {
		return fmt.Errorf("%w: capture.fragment_timeout must not be negative", core.ErrConfigInvalid)
	}

	// ── Analysis validation ──
	a := &cfg.Analysis
	if a.MaxWorkers < 0 {
		return fmt.Errorf("%w: analysis.max_workers must not be negative", core.ErrConfigInvalid)
	}
	if a.StartupDelay < 0 {
		return fmt.Errorf("%w: analysis.startup_delay must not be negative", core.ErrConfigInvalid)
	}
	if a.NearStallWindow < 0 {
		return fmt.Errorf("%w: analysis.near_stall_window must not be negative", core.ErrConfigInvalid)
	}
	if a.ExpectedSegments < 0 {
		return fmt.Errorf("%w: analysis.expected_segments must not be negative", core.ErrConfigInvalid)
	}

	// ── Metrics ──
	if cfg.Metrics.Textfile != "" || cfg.Metrics.Listen != "" {
		cfg.Metrics.Enabled = true
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// ── Output validation ──
	switch cfg.Output.Format {
	case FormatYAML, FormatJSON, FormatText:
	default:
		return fmt.Errorf("%w: invalid output format: %s (must be yaml/json/text)", core.ErrConfigInvalid, cfg.Output.Format)
	}
	return nil
}
