package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/masshaul/masshaul/internal/errors"
)

func TestLoggerBasicLogging(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "")

	ctx := context.Background()
	log.Info(ctx, "test message", map[string]interface{}{
		"key": "value",
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Errorf("expected level info, got %s", entry.Level)
	}
	if entry.Message != "test message" {
		t.Errorf("expected message 'test message', got %s", entry.Message)
	}
	if entry.Fields["key"] != "value" {
		t.Errorf("expected field key=value, got %v", entry.Fields["key"])
	}
}

func TestLoggerRequestIDPropagation(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "")

	ctx := apperrors.WithRequestID(context.Background(), "test-request-id")
	log.Info(ctx, "test message")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if entry.RequestID != "test-request-id" {
		t.Errorf("expected request_id 'test-request-id', got %s", entry.RequestID)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		minLevel     Level
		logLevel     string
		shouldOutput bool
	}{
		{LevelInfo, "debug", false},
		{LevelInfo, "info", true},
		{LevelWarn, "info", false},
		{LevelWarn, "warn", true},
		{LevelError, "warn", false},
		{LevelError, "error", true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		log := New(&buf, tt.minLevel, "")

		ctx := context.Background()
		switch tt.logLevel {
		case "debug":
			log.Debug(ctx, "test")
		case "info":
			log.Info(ctx, "test")
		case "warn":
			log.Warn(ctx, "test")
		case "error":
			log.Error(ctx, "test", nil)
		}

		hasOutput := buf.Len() > 0
		if hasOutput != tt.shouldOutput {
			t.Errorf("minLevel=%s, logLevel=%s: expected output=%v, got=%v",
				tt.minLevel, tt.logLevel, tt.shouldOutput, hasOutput)
		}
	}
}

func TestLoggerErrorDetails(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "scheduler")

	log.Error(context.Background(), "transfer failed", apperrors.RateLimited("youtube"))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if entry.Component != "scheduler" {
		t.Errorf("expected component scheduler, got %s", entry.Component)
	}
	if entry.Error == nil {
		t.Fatal("expected error details in entry")
	}
	if entry.Error.Code != apperrors.CodeRateLimited {
		t.Errorf("expected code %s, got %s", apperrors.CodeRateLimited, entry.Error.Code)
	}
	if entry.Error.Classification != string(apperrors.ClassRateLimited) {
		t.Errorf("expected classification %s, got %s", apperrors.ClassRateLimited, entry.Error.Classification)
	}
	if entry.Error.StackTrace == "" {
		t.Error("expected stack trace on error level")
	}
	if entry.Caller == "" {
		t.Error("expected caller info on error level")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "")

	child := log.WithComponent("breaker")
	child.Info(context.Background(), "state change")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry.Component != "breaker" {
		t.Errorf("expected component breaker, got %s", entry.Component)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"unknown", LevelInfo}, // default
		{"", LevelInfo},        // default
	}

	for _, tt := range tests {
		result := ParseLevel(tt.input)
		if result != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
		}
	}
}
