package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "skill", "alpha")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["skill"] != "alpha" {
		t.Fatalf("expected skill propagation, got %#v", entry["skill"])
	}
}

func TestNewLogger_RedactsSecretsButNotTokenCounts(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("run flushed",
		"api_key", "abc123",
		"stderr", "Authorization: Bearer super-secret-token",
		"input_tokens", 1200,
	)

	entry := readLastEntry(t, home)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["stderr"] != "[REDACTED]" {
		t.Fatalf("expected stderr redaction, got %#v", entry["stderr"])
	}
	if entry["input_tokens"] != float64(1200) {
		t.Fatalf("token counters must not be redacted, got %#v", entry["input_tokens"])
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	closer.Close()

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "hidden") || !strings.Contains(string(raw), "shown") {
		t.Fatalf("unexpected log content: %s", raw)
	}
}

func TestOpenAgentLog_Appends(t *testing.T) {
	home := t.TempDir()
	for i := 0; i < 2; i++ {
		w, path, err := OpenAgentLog(home, "run-1")
		if err != nil {
			t.Fatalf("open agent log: %v", err)
		}
		if filepath.Base(path) != "run-1.stderr.log" {
			t.Fatalf("unexpected path %s", path)
		}
		_, _ = w.Write([]byte("line\n"))
		w.Close()
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "agents", "run-1.stderr.log"))
	if string(raw) != "line\nline\n" {
		t.Fatalf("expected appended content, got %q", raw)
	}
}
