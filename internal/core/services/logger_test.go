package services

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

func TestNewSlogLoggerTo_Levels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug level", "debug", true, true},
		{"info level", "info", false, true},
		{"warn level", "warn", false, false},
		{"upper case", "DEBUG", true, true},
		{"unknown defaults to info", "verbose", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewSlogLoggerTo(&buf, tt.level, false)

			logger.Debug("debug-line")
			logger.Info("info-line")

			out := buf.String()
			if got := strings.Contains(out, "debug-line"); got != tt.wantDebug {
				t.Errorf("debug emitted = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(out, "info-line"); got != tt.wantInfo {
				t.Errorf("info emitted = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestSlogLogger_JSONWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLoggerTo(&buf, "info", true)

	child := logger.With("plugin", "ping")
	child.Warn("slow command", "duration_ms", 6000)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["plugin"] != "ping" {
		t.Errorf("plugin = %v, want ping", entry["plugin"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}

	var _ ports.Logger = child
}

func TestNopLogger(t *testing.T) {
	logger := &NopLogger{}

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	child := logger.With("key", "value")
	if child != logger {
		t.Error("NopLogger.With should return itself")
	}
}
