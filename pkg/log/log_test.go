package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	logger.Debug("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be suppressed at default INFO level, got %q", buf.String())
	}

	logger.Info("hello", "key", "value")
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if decoded["message"] != "hello" {
		t.Errorf("got message %v", decoded["message"])
	}
	if decoded["key"] != "value" {
		t.Errorf("got key %v", decoded["key"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelError, Output: &buf})

	logger.Warn("suppressed")
	if buf.Len() != 0 {
		t.Errorf("expected warn to be suppressed at ERROR level, got %q", buf.String())
	}

	logger.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected error message to appear, got %q", buf.String())
	}
}

func TestWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).With("request_id", "abc")

	logger.Info("done")
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if decoded["request_id"] != "abc" {
		t.Errorf("got request_id %v", decoded["request_id"])
	}
}
