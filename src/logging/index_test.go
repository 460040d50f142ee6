package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"signaldesk/src/config"
)

func TestNewHonoursLevel(t *testing.T) {
	l, err := New(config.LoggingConfig{Level: "warn", JSON: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) || !l.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("level not applied")
	}
	l, err = New(config.LoggingConfig{})
	if err != nil || !l.Core().Enabled(zapcore.InfoLevel) || l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("empty level should default to info: %v", err)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error")
	}
	if Must(config.LoggingConfig{Level: "loud"}) == nil {
		t.Fatalf("Must should never return nil")
	}
}
