package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("hello")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "kamera.log"))
	if err != nil {
		t.Fatalf("log file was not created: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"hello"`)) {
		t.Errorf("expected message in log file, got %s", data)
	}
}

func TestLogger_WithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo).WithSession("abc").With("generation", 3)

	logger.Info("transition", "to", "streaming")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v (%s)", err, buf.String())
	}
	if entry["session_id"] != "abc" {
		t.Errorf("expected session_id abc, got %v", entry["session_id"])
	}
	if entry["generation"] != float64(3) {
		t.Errorf("expected generation 3, got %v", entry["generation"])
	}
	if entry["to"] != "streaming" {
		t.Errorf("expected to=streaming, got %v", entry["to"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below WARN, got %s", buf.String())
	}

	logger.Warn("warn")
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"warn"`)) {
		t.Errorf("expected warn entry, got %s", buf.String())
	}
}

func TestValidLevel(t *testing.T) {
	for _, lv := range []string{"debug", "INFO", "Warn", "ERROR"} {
		if !ValidLevel(lv) {
			t.Errorf("expected %q to be valid", lv)
		}
	}
	if ValidLevel("verbose") {
		t.Error("expected verbose to be invalid")
	}
}

func TestLogger_ChildCloseKeepsParentFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	child := logger.WithSession("abc")
	if err := child.Close(); err != nil {
		t.Fatalf("child Close failed: %v", err)
	}

	logger.Info("after child close")
	child.Info("child after close")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "kamera.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"after child close"`)) {
		t.Errorf("expected parent entry after child Close, got %s", data)
	}
	if !bytes.Contains(data, []byte(`"msg":"child after close"`)) {
		t.Errorf("expected child entry after child Close, got %s", data)
	}
}
