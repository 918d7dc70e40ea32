package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriterEmitsJSONOutsideLocal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "production", "info")
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	componentLogger := Component(logger, "storycluster")
	componentLogger.Info().Int64("cluster_id", 7).Msg("story cluster created")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "geostory" || entry["component"] != "storycluster" {
		t.Fatalf("unexpected fields: %v", entry)
	}
	if entry["cluster_id"] != float64(7) {
		t.Fatalf("expected cluster_id 7, got %v", entry["cluster_id"])
	}
}

func TestNewWithWriterFiltersBelowLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "local", "warn")
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("place cache stale")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "place cache stale") {
		t.Fatalf("expected warn line, got %q", out)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("local", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
