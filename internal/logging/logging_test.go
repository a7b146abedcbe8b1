package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWritesJSONAndHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "warn", Console: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["level"] != "WARN" || entry["msg"] != "shown" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewMirrorsToFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "relay-authz.log")
	logger, closer, err := New(Config{File: base, Console: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("to file")
	_ = logger.Sync()
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read through pointer: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("file missing entry: %s", data)
	}
}

func TestRotatingWriterRollsOverBySizeAndDay(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	w := &RotatingWriter{BasePath: filepath.Join(dir, "authz.log"), MaxBytes: 10, now: func() time.Time { return clock }}

	if _, err := w.Write([]byte("12345678")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte("abcdef")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	clock = clock.Add(24 * time.Hour)
	if _, err := w.Write([]byte("next day")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, want := range map[string]string{
		"authz-2026-01-02.log":   "12345678",
		"authz-2026-01-02-2.log": "abcdef",
		"authz-2026-01-03.log":   "next day",
	} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestRotatingWriterDash(t *testing.T) {
	w, err := NewRotatingWriter("-", 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if n, err := w.Write([]byte("gone")); err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
}
