package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/najoast/dsngo/config"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want zapcore.Level
	}{
		{config.LogLevelTrace, zap.DebugLevel},
		{config.LogLevelDebug, zap.DebugLevel},
		{config.LogLevelInfo, zap.InfoLevel},
		{"WARN", zap.WarnLevel},
		{config.LogLevelError, zap.ErrorLevel},
		{config.LogLevelFatal, zap.FatalLevel},
		{"", zap.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestJSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, level, err := New(config.LogConfig{
		Level:  config.LogLevelInfo,
		Format: "json",
		Output: path,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("task executed", zap.String("pool", "THREAD_POOL_DEFAULT"))

	// Hot reload lowers the level
	level.SetLevel(zap.DebugLevel)
	logger.Debug("visible")
	_ = logger.Sync()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %q", len(lines), lines)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["msg"] != "task executed" || entry["pool"] != "THREAD_POOL_DEFAULT" {
		t.Errorf("Unexpected entry: %v", entry)
	}
	if !strings.Contains(lines[1], `"msg":"visible"`) {
		t.Errorf("Expected debug line after level change, got %s", lines[1])
	}
}

func TestConsoleRotatedOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, _, err := New(config.LogConfig{
		Level:  config.LogLevelWarn,
		Format: "console",
		Output: path,
		Color:  true,
		Rotation: config.LogRotationConfig{
			Enabled:    true,
			MaxSize:    1,
			MaxBackups: 1,
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("queue backlog", zap.Int("queued", 12))
	_ = logger.Sync()

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "WARN") || !strings.Contains(lines[0], "queue backlog") {
		t.Errorf("Unexpected line: %s", lines[0])
	}
	// Files never get color codes
	if strings.Contains(lines[0], "\x1b[") {
		t.Errorf("Unexpected color codes in file output: %q", lines[0])
	}
}

func TestInstall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.log")
	logger, _, restore, err := Install(config.LogConfig{
		Level:  config.LogLevelInfo,
		Format: "json",
		Output: path,
	})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	zap.L().Info("through globals")
	restore()
	zap.L().Info("after restore")
	_ = logger.Sync()

	lines := readLines(t, path)
	if len(lines) != 1 || !strings.Contains(lines[0], "through globals") {
		t.Errorf("Unexpected lines: %q", lines)
	}
}
