package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)
	defer Init("text", "info", os.Stderr)

	L("test-component").Info("hello", "key", "value")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (got %q)", err, buf.String())
	}
	if record["msg"] != "hello" {
		t.Fatalf("expected msg 'hello', got %v", record["msg"])
	}
	if record[KeyComponent] != "test-component" {
		t.Fatalf("expected component tag, got %v", record[KeyComponent])
	}
	if record["key"] != "value" {
		t.Fatalf("expected key=value attribute, got %v", record["key"])
	}
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "warn", &buf)
	defer Init("text", "info", os.Stderr)

	log := L("filter")
	log.Info("should not appear")
	log.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatal("info message leaked through warn level filter")
	}
	if !strings.Contains(out, "should appear") {
		t.Fatal("warn message was filtered out")
	}
}

func TestWithRequestAttachesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)
	defer Init("text", "info", os.Stderr)

	WithRequest(L("dispatch"), "corr-1", "quick.dns.flush").Info("dispatching")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record[KeyCorrelationID] != "corr-1" {
		t.Fatalf("missing correlation id, got %v", record[KeyCorrelationID])
	}
	if record[KeyCapabilityID] != "quick.dns.flush" {
		t.Fatalf("missing capability id, got %v", record[KeyCapabilityID])
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unknown level should default to info")
	}
	if parseLevel(" DEBUG ") != slog.LevelDebug {
		t.Fatal("level parsing should trim and lowercase")
	}
}

func TestRotatingWriterRotatesAndKeepsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.log")

	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	// Force the written counter over the limit, then trigger rotation.
	rw.written = rw.maxSize
	if _, err := rw.Write([]byte("after rotation\n")); err != nil {
		t.Fatalf("write after rotation: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected backup file after rotation: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !strings.Contains(string(data), "after rotation") {
		t.Fatalf("current log missing post-rotation write, got %q", data)
	}
}
