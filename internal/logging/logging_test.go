package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", LevelString(level), err)
		}
		if parsed != level {
			t.Errorf("expected %v, got %v", level, parsed)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSize <= 0 || cfg.MaxAge <= 0 || cfg.MaxBackups <= 0 {
		t.Errorf("expected positive rotation limits, got %+v", cfg)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join("ransomwatch", "ransomwatch.log")) {
		t.Errorf("unexpected default path %s", cfg.FilePath)
	}
}

func TestJSONFormatAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Component: "test",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create JSON logger: %v", err)
	}

	logger.WithComponent("scanner").Info("tick", "groups", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["msg"] != "tick" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["groups"] != float64(3) {
		t.Errorf("unexpected groups %v", entry["groups"])
	}
	if entry["component"] != "scanner" {
		t.Errorf("expected component scanner, got %v", entry["component"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelWarn, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn line missing")
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("connect", "nats_token", "hunter2", "subject", "ransomwatch.alerts")

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("token leaked: %s", out)
	}
	if !strings.Contains(out, "ransomwatch.alerts") {
		t.Errorf("subject missing: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"api_key", true},
		{"token", true},
		{"nkey_seed", true},
		{"credentials_file", true},
		{"path", false},
		{"group", false},
		{"classification", false},
		{"count", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			result := shouldRedact(test.key)
			if result != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, result, test.expected)
			}
		})
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	logger, err := New(&Config{
		Level:      LevelInfo,
		Output:     "file",
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("failed to create file logger: %v", err)
	}

	logger.Info("written to disk")
	if err := logger.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	logger.Info("after rotation")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "after rotation") {
		t.Errorf("current log missing latest line: %s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(logPath))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("expected a rotated backup, found %d files", len(entries))
	}
}

func TestFileOutputEmptyPath(t *testing.T) {
	if _, err := New(&Config{Output: "file"}); err == nil {
		t.Error("expected error for empty file path")
	}
}

func TestAuditLogger(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")

	auditLogger, err := NewAuditLogger(&AuditLoggerConfig{
		FilePath:   auditPath,
		MaxSize:    10,
		MaxAge:     7,
		MaxBackups: 3,
		Component:  "test",
	})
	if err != nil {
		t.Fatalf("failed to create audit logger: %v", err)
	}

	ctx := context.Background()
	if err := auditLogger.LogStartup(ctx, "1.0.0", map[string]any{"root": "/data"}); err != nil {
		t.Errorf("LogStartup failed: %v", err)
	}
	if err := auditLogger.LogQuarantine(ctx, true, "/data", nil); err != nil {
		t.Errorf("LogQuarantine failed: %v", err)
	}
	if err := auditLogger.LogQuarantine(ctx, false, "/data", errors.New("operation not permitted")); err != nil {
		t.Errorf("LogQuarantine failed: %v", err)
	}
	if err := auditLogger.LogShutdown(ctx, "signal"); err != nil {
		t.Errorf("LogShutdown failed: %v", err)
	}
	auditLogger.Close()

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 audit lines, got %d", len(lines))
	}

	var events []AuditEvent
	for i, line := range lines {
		var event AuditEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i+1, err)
		}
		events = append(events, event)
	}

	if events[0].Details["version"] != "1.0.0" {
		t.Errorf("startup version missing: %+v", events[0])
	}
	if events[1].EventType != AuditEventProtect || events[1].Result != ResultSuccess {
		t.Errorf("unexpected protect event: %+v", events[1])
	}
	if events[2].EventType != AuditEventRestore || events[2].Result != ResultFailure {
		t.Errorf("unexpected restore event: %+v", events[2])
	}
	if events[2].Error == "" {
		t.Error("restore failure should carry the error")
	}
	for _, e := range events {
		if e.Component != "test" {
			t.Errorf("expected component test, got %q", e.Component)
		}
	}
}

func TestAuditWriterTimestamp(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditWriter(&buf, "test")
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	if err := a.LogBurst(context.Background(), "/data", 21); err != nil {
		t.Fatal(err)
	}

	var event AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if !event.Timestamp.Equal(fixed) {
		t.Errorf("expected %v, got %v", fixed, event.Timestamp)
	}
	if event.Details["events_in_window"] != float64(21) {
		t.Errorf("unexpected details %v", event.Details)
	}
}

func TestNilAuditLogger(t *testing.T) {
	var a *AuditLogger
	if err := a.LogShutdown(context.Background(), "test"); err != nil {
		t.Errorf("nil audit logger should be a no-op, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Error(err)
	}
}
