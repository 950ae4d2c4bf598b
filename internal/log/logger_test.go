package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/lossmon/internal/config"
)

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

func TestInitWritesToStderrWriter(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	if err := initTo(&buf, config.LogConfig{Level: "warn", Format: "json"}); err != nil {
		t.Fatalf("initTo failed: %v", err)
	}

	slog.Info("info message")
	slog.Warn("warn message", "side", "tx")

	output := buf.String()
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered out")
	}
	if !strings.Contains(output, `"msg":"warn message"`) || !strings.Contains(output, `"side":"tx"`) {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	logPath := filepath.Join(t.TempDir(), "lossmon.log")
	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
		File: config.FileOutputConfig{
			Enabled: true,
			Path:    logPath,
			Rotation: config.RotationConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 7,
			},
		},
	}

	var buf bytes.Buffer
	if err := initTo(&buf, cfg); err != nil {
		t.Fatalf("initTo failed: %v", err)
	}
	slog.Debug("window closed", "tx", 10)
	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log file not readable: %v", err)
	}
	if !strings.Contains(string(data), "tx=10") {
		t.Errorf("log file missing entry: %s", data)
	}
	if !strings.Contains(buf.String(), "tx=10") {
		t.Errorf("stderr missing entry: %s", buf.String())
	}
}

func TestInitWithInvalidLevel(t *testing.T) {
	err := Init(config.LogConfig{Level: "invalid", Format: "json"})
	if err == nil {
		t.Fatal("Expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected error about invalid log level, got: %v", err)
	}
}

func TestInitWithInvalidFormat(t *testing.T) {
	err := Init(config.LogConfig{Level: "info", Format: "xml"})
	if err == nil {
		t.Fatal("Expected error for invalid log format, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported log format") {
		t.Errorf("Expected error about unsupported format, got: %v", err)
	}
}

func TestInitWithMissingFilePath(t *testing.T) {
	err := Init(config.LogConfig{
		Level:  "info",
		Format: "json",
		File:   config.FileOutputConfig{Enabled: true},
	})
	if err == nil {
		t.Fatal("Expected error for missing file path, got nil")
	}
	if !strings.Contains(err.Error(), "path") {
		t.Errorf("Expected error about missing path, got: %v", err)
	}
}

func TestCloseWithoutFile(t *testing.T) {
	if err := Close(); err != nil {
		t.Errorf("Close without file output should be a no-op, got %v", err)
	}
}
