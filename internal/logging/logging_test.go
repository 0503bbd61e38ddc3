package logging

import (
	"testing"

	"pinboard/api/internal/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.Environment{Stage: config.StageCode, App: "pinboard"}, "chatty", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewBuildsLogger(t *testing.T) {
	logger, err := New(config.Environment{Stage: config.StageCode, App: "pinboard"}, "debug", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestUseConsole(t *testing.T) {
	tests := []struct {
		stage  config.Stage
		format string
		want   bool
	}{
		{config.StageLocal, "", true},
		{config.StageProd, "", false},
		{config.StageProd, "console", true},
		{config.StageLocal, "json", false},
	}
	for _, tt := range tests {
		if got := useConsole(config.Environment{Stage: tt.stage}, tt.format); got != tt.want {
			t.Errorf("useConsole(%s, %q) = %v, want %v", tt.stage, tt.format, got, tt.want)
		}
	}
}
