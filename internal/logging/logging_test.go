package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWithWriter_RenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "coursier", "DEBUG")
	log.Info("order accepted", "order_id", "o1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if line["message"] != "order accepted" {
		t.Errorf("message = %v", line["message"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("expected timestamp key")
	}
	if line["service"] != "coursier" || line["order_id"] != "o1" {
		t.Errorf("unexpected attrs: %v", line)
	}
}

func TestNewWithWriter_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "coursier", "WARN")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected nothing written, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
