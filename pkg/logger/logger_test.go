package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"zapdesk/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	Component(log, "router").Info("Option selected",
		"conversation_id", "5511999999999@s.whatsapp.net",
		"option", 2,
		"error", errors.New("menu empty"),
	)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Option selected" {
		t.Fatalf("message = %q, want %q", entry.Message, "Option selected")
	}
	if entry.Component != "router" {
		t.Fatalf("component = %q, want %q", entry.Component, "router")
	}
	if entry.Conversation != "5511999999999@s.whatsapp.net" {
		t.Fatalf("conversation_id = %q", entry.Conversation)
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if got := entry.Fields["option"]; got != float64(2) {
		t.Fatalf("fields.option = %v, want 2", got)
	}
	if got := entry.Fields["error"]; got != "menu empty" {
		t.Fatalf("fields.error = %v, want %q", got, "menu empty")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv(envLevel, "debug")
	t.Setenv(envFormat, "text")

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerRejectsUnknownFormat(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv(envLevel)
	_ = os.Unsetenv(envFormat)
	_ = os.Unsetenv(envAddSource)
}

func TestLoggerRedactsSecrets(t *testing.T) {
	unsetLoggingEnv(t)

	for _, format := range []string{"json", "text"} {
		var out bytes.Buffer
		log, err := newWithWriter(config.LoggingConfig{Format: format, Level: "debug"}, &out)
		if err != nil {
			t.Fatalf("%s: newWithWriter error: %v", format, err)
		}

		log.With("token", "bot-secret").Info("Pairing code issued",
			"qr", "data:image/png;base64,SECRET",
			"session", map[string]any{"ok": true},
		)
		log.WithGroup("auth").Info("Credentials saved", slog.Group("bundle", "credentials", "SECRET-CREDS", "files", 3))

		got := out.String()
		if strings.Contains(got, "SECRET") || strings.Contains(got, "bot-secret") {
			t.Fatalf("%s: secret leaked into logs:\n%s", format, got)
		}
		if !strings.Contains(got, redactedValue) {
			t.Fatalf("%s: expected redaction marker in logs:\n%s", format, got)
		}
		if !strings.Contains(got, "files") {
			t.Fatalf("%s: expected non-secret group attrs kept:\n%s", format, got)
		}
	}
}
