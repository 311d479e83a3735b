package logging

import (
	"strings"
	"testing"
)

func TestNewJSONAndConsole(t *testing.T) {
	for _, format := range []string{"", "json", "console"} {
		logger, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(debug, %q): %v", format, err)
		}
		if logger == nil {
			t.Fatalf("New(debug, %q) returned nil logger", format)
		}
		_ = logger.Sync()
	}
}

func TestNewDefaultsLevel(t *testing.T) {
	logger, err := New("", "json")
	if err != nil {
		t.Fatalf("New with empty level: %v", err)
	}
	if logger.Core().Enabled(-1) { // -1 is debug
		t.Fatal("empty level should default to info, debug was enabled")
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("shouting", "json"); err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Fatalf("expected invalid log level error, got %v", err)
	}
	if _, err := New("info", "xml"); err == nil || !strings.Contains(err.Error(), "invalid log format") {
		t.Fatalf("expected invalid log format error, got %v", err)
	}
}
