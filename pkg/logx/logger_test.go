package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWritesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf).Level(zerolog.DebugLevel)).With(String("comp", "engage"))

	log.Info("schedule registered", String("id", "m1"), Int("entries", 2), Err(errors.New("boom")), Err(nil))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if got["comp"] != "engage" {
		t.Fatalf("comp = %v, want engage", got["comp"])
	}
	if got["id"] != "m1" {
		t.Fatalf("id = %v, want m1", got["id"])
	}
	if got["entries"] != float64(2) {
		t.Fatalf("entries = %v, want 2", got["entries"])
	}
	if got["message"] != "schedule registered" {
		t.Fatalf("message = %v", got["message"])
	}
	if _, ok := got["caller"]; !ok {
		t.Fatalf("caller missing: %v", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf).Level(zerolog.WarnLevel))

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("Enabled(debug) = true, want false")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("Enabled(error) = false, want true")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	log.Error("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop() should not report IsZero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
