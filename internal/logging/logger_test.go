package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogger_RedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "debug")
	logger.Info("wallet generated", "wallet", "0xabc", "private_key", "deadbeef")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["private_key"] != "[redacted]" {
		t.Fatalf("expected private key to be redacted, got %v", rec["private_key"])
	}
	if rec["wallet"] != "0xabc" {
		t.Fatalf("expected wallet to be logged, got %v", rec["wallet"])
	}
}

func TestLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "loud")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output should be suppressed at info level")
	}
	logger.Info("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected info output")
	}
}
