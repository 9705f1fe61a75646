package logger

import (
	"testing"

	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("debug mode returns development logger", func(t *testing.T) {
		log, err := New(true)
		if err != nil {
			t.Fatalf("New(true) error: %v", err)
		}
		if !log.Core().Enabled(zap.DebugLevel) {
			t.Error("debug logger should enable debug level")
		}
		_ = log.Sync()
	})

	t.Run("production mode returns production logger", func(t *testing.T) {
		log, err := New(false)
		if err != nil {
			t.Fatalf("New(false) error: %v", err)
		}
		if log.Core().Enabled(zap.DebugLevel) {
			t.Error("production logger should not enable debug level")
		}
		_ = log.Sync()
	})
}

func TestNewConsole(t *testing.T) {
	log, err := NewConsole(false)
	if err != nil {
		t.Fatalf("NewConsole(false) error: %v", err)
	}
	if log.Core().Enabled(zap.DebugLevel) {
		t.Error("console logger without debug should start at info")
	}
	if !log.Core().Enabled(zap.InfoLevel) {
		t.Error("console logger should enable info")
	}
}
