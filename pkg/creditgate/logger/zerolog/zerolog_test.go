package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(*Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }},
		{"info", func(l *Logger) { l.Info("msg") }},
		{"warn", func(l *Logger) { l.Warn("msg") }},
		{"error", func(l *Logger) { l.Error("msg") }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))

			entry := decode(t, &buf)
			if entry["level"] != tt.level {
				t.Errorf("level: got %v, want %s", entry["level"], tt.level)
			}
			if entry["message"] != "msg" {
				t.Errorf("message: got %v", entry["message"])
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected debug and info to be filtered out, got %q", buf.String())
	}

	logger.Warn("warn message")
	if buf.Len() == 0 {
		t.Error("expected warn to be logged")
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Warn("budget state changed",
		creditgate.Field{Key: "userId", Value: "user1"},
		creditgate.Field{Key: "to", Value: creditgate.BudgetSavings},
		creditgate.Field{Key: "creditsRemaining", Value: 7},
		creditgate.Field{Key: "error", Value: errors.New("connection reset")},
	)

	entry := decode(t, &buf)
	if entry["userId"] != "user1" {
		t.Errorf("userId: got %v", entry["userId"])
	}
	if entry["to"] != "savings" {
		t.Errorf("to: got %v", entry["to"])
	}
	if entry["creditsRemaining"] != float64(7) {
		t.Errorf("creditsRemaining: got %v", entry["creditsRemaining"])
	}
	if entry["error"] != "connection reset" {
		t.Errorf("error: got %v", entry["error"])
	}
}

func TestLogger_ImplementsInterface(t *testing.T) {
	var _ creditgate.Logger = NewLogger(zerolog.Nop())
}
