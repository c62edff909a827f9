package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriter_JSONLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn", "json")

	l.Info("dropped")
	l.Warn("kept", "key", "k1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if rec["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", rec["msg"])
	}
	if rec["key"] != "k1" {
		t.Errorf("key = %v, want k1", rec["key"])
	}
}

func TestNewWithWriter_TextWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug", "text").With("component", "worker")

	l.Debug("hello")

	out := buf.String()
	if !strings.Contains(out, "component=worker") {
		t.Errorf("expected component attr in %q", out)
	}
	if !strings.Contains(out, "level=DEBUG") {
		t.Errorf("expected debug level in %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"WARNING", "WARN"},
		{"error", "ERROR"},
		{"", "INFO"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
