package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// captureStderr redirects logger output for the duration of the test.
func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer

	mu.Lock()
	prev := stderr
	stderr = &buf
	mu.Unlock()

	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		_ = Close()
		mu.Lock()
		stderr = prev
		current = nil
		mu.Unlock()
		zerolog.SetGlobalLevel(prevLevel)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zerolog.Level
		wantErr bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"DEBUG", zerolog.DebugLevel, false},
		{" info ", zerolog.InfoLevel, false},
		{"warn", zerolog.WarnLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"trace", zerolog.TraceLevel, false},
		{"", zerolog.InfoLevel, false},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestInitJSONFormat(t *testing.T) {
	buf := captureStderr(t)

	if err := Init(LogConfig{Level: "info", Format: "json"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Debug().Msg("hidden")
	Info().Str("conversation", "c1").Msg("turn started")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["level"] != "info" || entry["conversation"] != "c1" || entry["message"] != "turn started" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["caller"]; !ok {
		t.Error("expected caller field")
	}
}

func TestInitConsoleFormat(t *testing.T) {
	buf := captureStderr(t)

	if err := Init(LogConfig{Level: "debug", Format: "console"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Warn().Msg("slow engine")

	out := buf.String()
	if !strings.Contains(out, "slow engine") || strings.HasPrefix(out, "{") {
		t.Errorf("expected console output, got %q", out)
	}
}

func TestInitUnknownLevel(t *testing.T) {
	captureStderr(t)
	if err := Init(LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestInitWithFile(t *testing.T) {
	buf := captureStderr(t)
	logFile := filepath.Join(t.TempDir(), "logs", "nested", "cadence.log")

	err := Init(LogConfig{Level: "info", Format: "console", File: logFile, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Error().Msg("write failed")
	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("file should hold JSON, got %q: %v", content, err)
	}
	if entry["message"] != "write failed" {
		t.Errorf("unexpected file entry %v", entry)
	}
	if !strings.Contains(buf.String(), "write failed") {
		t.Errorf("stderr missing message: %q", buf.String())
	}
}

func TestInitWithInvalidFile(t *testing.T) {
	captureStderr(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := Init(LogConfig{Level: "info", File: filepath.Join(blocker, "sub", "cadence.log")})
	if err == nil {
		t.Error("expected error when the log dir cannot be created")
	}
}

func TestSetLevel(t *testing.T) {
	captureStderr(t)

	SetLevel("error")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("global level = %v, want error", zerolog.GlobalLevel())
	}
	SetLevel("nonsense")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("unknown level changed global level to %v", zerolog.GlobalLevel())
	}
	SetLevel("debug")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level = %v, want debug", zerolog.GlobalLevel())
	}
}

func TestComponent(t *testing.T) {
	buf := captureStderr(t)
	if err := Init(LogConfig{Level: "info", Format: "json"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	l := Component("sandbox")
	l.Info().Msg("ready")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["component"] != "sandbox" {
		t.Errorf("expected component field, got %v", entry)
	}
}

func TestGetWithoutInit(t *testing.T) {
	buf := captureStderr(t)
	mu.Lock()
	current = nil
	mu.Unlock()

	Get().Info().Msg("default")
	if !strings.Contains(buf.String(), `"message":"default"`) {
		t.Errorf("expected default JSON logger, got %q", buf.String())
	}
}

func TestCloseWithoutFile(t *testing.T) {
	captureStderr(t)
	if err := Close(); err != nil {
		t.Errorf("Close without file: %v", err)
	}
}
