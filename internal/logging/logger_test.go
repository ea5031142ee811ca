package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fleetagent/internal/config"
	"fleetagent/internal/logging"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Format = "json"

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("agent started", logging.String(logging.FieldCycleID, "c-1"))

	content, err := os.ReadFile(cfg.LogFilePath())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	line := strings.TrimSpace(string(content))
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("expected json line, got %q: %v", line, err)
	}
	if entry["msg"] != "agent started" || entry["cycle_id"] != "c-1" || entry["level"] != "info" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "reconcile").Info("queue drained", logging.Int("remaining", 0))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	if strings.Contains(text, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", text)
	}
	if !strings.Contains(text, "INFO reconcile: queue drained remaining=0") {
		t.Fatalf("unexpected console line %q", text)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logging.WarnWithContext(logger, "probe failed", "migration_probe_failed",
		logging.Error(errors.New("dial tcp: refused")),
		logging.String(logging.FieldImpact, "staying on current endpoint"),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry[logging.FieldEventType] != "migration_probe_failed" {
		t.Fatalf("missing event type: %v", entry)
	}
	if entry[logging.FieldErrorHint] != "check logs for details" {
		t.Fatalf("missing default hint: %v", entry)
	}
	if entry[logging.FieldImpact] != "staying on current endpoint" {
		t.Fatalf("impact overwritten: %v", entry)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := logging.NewNop()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("nop logger should never be enabled")
	}
}

func TestLoggersRedactSecrets(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			logPath := filepath.Join(t.TempDir(), "agent.log")
			logger, err := logging.New(logging.Options{Format: format, Level: "info", OutputPaths: []string{logPath}})
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			logger.With(logging.String("token", "abc123")).Info("password reset requested", logging.String("password", "hunter2"))

			content, err := os.ReadFile(logPath)
			if err != nil {
				t.Fatalf("read log file: %v", err)
			}
			text := string(content)
			if strings.Contains(text, "hunter2") || strings.Contains(text, "abc123") {
				t.Fatalf("secret leaked into log: %s", text)
			}
			if !strings.Contains(text, "[redacted]") {
				t.Fatalf("expected redaction marker, got %s", text)
			}
			if format == "json" && !strings.Contains(text, `"agent_version":`) {
				t.Fatalf("expected agent_version on json line, got %s", text)
			}
		})
	}
}
