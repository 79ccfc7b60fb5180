package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONLoggerAddsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json", "payments", "test")
	logger.Info("hello", "order_id", "abc")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "payments" || line["env"] != "test" {
		t.Fatalf("missing service fields: %v", line)
	}
	if line["order_id"] != "abc" {
		t.Fatalf("missing attribute: %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text", "payments", "test")
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn line missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSecretsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json", "payments", "test")
	logger.Info("wallet configured", "mnemonic", "abandon abandon", "API_KEY", "k-1", "address", "EQabc")

	out := buf.String()
	if strings.Contains(out, "abandon") || strings.Contains(out, "k-1") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "EQabc") {
		t.Fatalf("expected plain attributes to stay: %s", out)
	}
}
