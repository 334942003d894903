package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestInitWritesToOutput(t *testing.T) {
	_ = Close()
	t.Cleanup(func() { _ = Close() })

	var buf bytes.Buffer
	if err := Init(Config{Level: LevelDebug, Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := Init(Config{}); err == nil {
		t.Fatalf("second Init should fail")
	}

	WithTx(7).Debug("step", "lsn", 42)
	WithComponent("wal").Info("forced")

	out := buf.String()
	for _, want := range []string{`"tx_id":7`, `"lsn":42`, `"component":"wal"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %s", out, want)
		}
	}
}

func TestLevelFilters(t *testing.T) {
	_ = Close()
	t.Cleanup(func() { _ = Close() })

	var buf bytes.Buffer
	if err := Init(Config{Level: LevelWarn, Output: &buf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Info("hidden")
	Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info message passed a WARN filter")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn message missing")
	}
}
