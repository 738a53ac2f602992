package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/vtrace/internal/config"
)

// captureConsole redirects console output for the duration of a test.
func captureConsole(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Console
	Console = &buf
	t.Cleanup(func() { Console = prev })
	return &buf
}

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "trace", "fatal", ""} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestNewWritesToConsole(t *testing.T) {
	buf := captureConsole(t)

	logger, err := New(config.LogConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("info message")
	logger.Warn("stall detected", "video", "bbb", "seconds", 2.5)

	output := buf.String()
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered out")
	}
	if !strings.Contains(output, `"msg":"stall detected"`) {
		t.Errorf("JSON output should contain message, got %q", output)
	}
	if !strings.Contains(output, `"seconds":2.5`) {
		t.Errorf("JSON output should contain attribute, got %q", output)
	}
}

func TestInitSetsDefault(t *testing.T) {
	buf := captureConsole(t)
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Init(config.LogConfig{Level: "debug", Format: "text"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if slog.Default() != logger {
		t.Fatal("Init should install the logger as default")
	}
	slog.Debug("segment mapped", "segment", 7)
	if !strings.Contains(buf.String(), "segment=7") {
		t.Errorf("Text output should contain segment=7, got %q", buf.String())
	}
}

func TestNewWithFileOutput(t *testing.T) {
	captureConsole(t)
	logPath := filepath.Join(t.TempDir(), "vtrace.log")

	logger, err := New(config.LogConfig{
		Level:  "info",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("capture read", "packets", 42)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created at %s: %v", logPath, err)
	}
	if !strings.Contains(string(data), "packets=42") {
		t.Errorf("Log file should contain the record, got %q", data)
	}
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"level", config.LogConfig{Level: "invalid", Format: "json"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file path", config.LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
		}, "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error about %q, got: %v", tt.want, err)
			}
		})
	}
}
