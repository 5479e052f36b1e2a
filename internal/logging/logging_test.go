package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)
	log.Info("flag evaluated", "flag", "EWA_ROLLOUT", "enabled", true)

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output, got nothing")
	}
	for _, want := range []string{`"msg":"flag evaluated"`, `"flag":"EWA_ROLLOUT"`, `"enabled":true`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestNewWithWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)

	log.Debug("dropped")
	log.Info("dropped too")
	if buf.Len() != 0 {
		t.Fatalf("sub-warn records were emitted: %s", buf.String())
	}

	log.Warn("kept")
	if !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Fatalf("warn record missing: %s", buf.String())
	}
}
