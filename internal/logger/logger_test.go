package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"info", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("JSON") != FormatJSON {
		t.Error("JSON should parse as FormatJSON")
	}
	if ParseFormat("pretty") != FormatConsole {
		t.Error("unknown format should default to console")
	}
}

func TestNew(t *testing.T) {
	l := New("debug", FormatJSON)
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
	l = New("error", FormatConsole)
	if l.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn should be disabled at error level")
	}
}

func TestFor(t *testing.T) {
	if For(ComponentOrchestrator) == nil {
		t.Fatal("For returned nil")
	}
	if Nop() == nil {
		t.Fatal("Nop returned nil")
	}
}
