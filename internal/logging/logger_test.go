package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cortexuvula/chatrelay/internal/config"
)

func TestSetupStdout(t *testing.T) {
	lj := Setup(config.LoggingConfig{Level: "info", Format: "json"})
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}

	slog.Info("test message", "key", "value")
}

func TestSetupFileLogging(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "chatrelay.log")

	lj := Setup(config.LoggingConfig{Level: "info", Format: "json", File: logFile, MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 7})
	if lj == nil {
		t.Fatal("expected lumberjack logger for file output")
	}
	defer lj.Close()

	slog.Info("file log test", "chat_id", "c1")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, data)
	}
	if entry["chat_id"] != "c1" {
		t.Errorf("chat_id = %v, want c1", entry["chat_id"])
	}
}

func TestSetLevel(t *testing.T) {
	Setup(config.LoggingConfig{Level: "info", Format: "text"})
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled at info level")
	}

	SetLevel("debug")
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled after SetLevel(debug)")
	}
	SetLevel("info")
}

func TestTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(newHandler(&buf, "text"))
	l.Warn("slow subscriber", "conn_id", "x")
	if !strings.Contains(buf.String(), "conn_id=x") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default fallback
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
