package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vtrace/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
vtrace:
  log:
    level: debug
    format: json
    outputs:
      file:
        enabled: true
        path: /tmp/vtrace-test.log
  capture:
    local_networks:
      - 10.1.2.3/16
      - 192.168.1.7
    ports: [80, 8080]
    fragment_timeout: 10s
  analysis:
    max_workers: 4
    startup_delay: 500ms
    near_stall_window: 1.5
    expected_segments: 120
    keep_buffers: true
  metrics:
    enabled: true
    textfile: /tmp/vtrace.prom
  output:
    format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Log.Outputs.File.Enabled)
	assert.Equal(t, 100, cfg.Log.Outputs.File.Rotation.MaxSizeMB, "default kept")

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.1.0.0/16"),
		netip.MustParsePrefix("192.168.1.7/32"),
	}, cfg.Capture.LocalNetworks)
	assert.Equal(t, []uint16{80, 8080}, cfg.Capture.Ports)
	assert.Equal(t, 10*time.Second, cfg.Capture.FragmentTimeout)

	assert.Equal(t, 4, cfg.Analysis.MaxWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.Analysis.StartupDelay)
	assert.Equal(t, 1500*time.Millisecond, cfg.Analysis.NearStallWindow)
	assert.Equal(t, 120, cfg.Analysis.ExpectedSegments)
	assert.True(t, cfg.Analysis.KeepBuffers)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/tmp/vtrace.prom", cfg.Metrics.Textfile)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, FormatJSON, cfg.Output.Format)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Capture.LocalNetworks)
	assert.Empty(t, cfg.Capture.Ports)
	assert.Equal(t, 30*time.Second, cfg.Capture.FragmentTimeout)
	assert.Equal(t, 2*time.Second, cfg.Analysis.StartupDelay)
	assert.Equal(t, time.Second, cfg.Analysis.NearStallWindow)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, FormatText, cfg.Output.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VTRACE_ANALYSIS_STARTUP_DELAY", "0.25")
	t.Setenv("VTRACE_CAPTURE_LOCAL_NETWORKS", "10.0.0.0/8,fd00::/8")
	t.Setenv("VTRACE_OUTPUT_FORMAT", "yaml")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Analysis.StartupDelay)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("fd00::/8"),
	}, cfg.Capture.LocalNetworks)
	assert.Equal(t, FormatYAML, cfg.Output.Format)
}

func TestLoadWithOverride(t *testing.T) {
	path := writeConfig(t, "vtrace:\n  analysis:\n    startup_delay: 3s\n")
	cfg, err := LoadWith(path, func(v *viper.Viper) {
		v.Set(Key("analysis.startup_delay"), "1s")
		v.Set(Key("output.format"), FormatYAML)
	})
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Analysis.StartupDelay)
	assert.Equal(t, FormatYAML, cfg.Output.Format)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "vtrace:\n  log:\n    level: verbose\n"},
		{"log format", "vtrace:\n  log:\n    format: xml\n"},
		{"file output without path", "vtrace:\n  log:\n    outputs:\n      file:\n        enabled: true\n        path: \"\"\n"},
		{"negative startup delay", "vtrace:\n  analysis:\n    startup_delay: -1s\n"},
		{"negative workers", "vtrace:\n  analysis:\n    max_workers: -2\n"},
		{"zero port", "vtrace:\n  capture:\n    ports: [0]\n"},
		{"output format", "vtrace:\n  output:\n    format: csv\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadDecodeErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "vtrace:\n  capture:\n    local_networks: [not-a-network]\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "vtrace:\n  analysis:\n    startup_delay: soon\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
