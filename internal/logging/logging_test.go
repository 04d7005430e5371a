package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"chatty", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLevel(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFanoutToFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "armctl.log")

	l, err := New(&buf, "info", file)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Debug("hidden")
	l.Info("disarm complete", "robot", "r1")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Expected debug record to be filtered")
	}
	if !strings.Contains(buf.String(), "robot=r1") {
		t.Errorf("Expected text record, got %q", buf.String())
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("Expected one JSON record, got %q: %v", data, err)
	}
	if rec["msg"] != "disarm complete" || rec["robot"] != "r1" {
		t.Errorf("Unexpected JSON record: %v", rec)
	}
}

func TestLevelCanChange(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "error", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("before")
	l.Level.Set(slog.LevelDebug)
	l.Debug("after")
	if strings.Contains(buf.String(), "before") || !strings.Contains(buf.String(), "after") {
		t.Errorf("Unexpected output: %q", buf.String())
	}
}
