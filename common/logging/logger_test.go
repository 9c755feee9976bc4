package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/ticketdesk/boxoffice/common/middleware"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{name: "json format with info level", level: slog.LevelInfo, format: "json"},
		{name: "text format with debug level", level: slog.LevelDebug, format: "text"},
		{name: "default format (json) with error level", level: slog.LevelError, format: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil || logger.Logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestWithContext(t *testing.T) {
	tests := []struct {
		name        string
		ctx         context.Context
		expectReqID string
	}{
		{
			name:        "context with request ID",
			ctx:         context.WithValue(context.Background(), middleware.RequestIDKey, "req-123"),
			expectReqID: "req-123",
		},
		{
			name: "context without request ID",
			ctx:  context.Background(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, slog.LevelInfo, "json")
			logger.InfoContext(tt.ctx, "hello")

			entry := decodeLine(t, &buf)
			got, _ := entry[FieldRequestID].(string)
			if got != tt.expectReqID {
				t.Errorf("request_id = %q, want %q", got, tt.expectReqID)
			}
		})
	}
}

func TestCriticalContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	logger.CriticalContext(context.Background(), "oversold", Resource("dallas"))

	entry := decodeLine(t, &buf)
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
	if entry[FieldSeverity] != SeverityCritical {
		t.Errorf("severity = %v, want %q", entry[FieldSeverity], SeverityCritical)
	}
	if entry[FieldResource] != "dallas" {
		t.Errorf("resource_id = %v, want dallas", entry[FieldResource])
	}
}

func TestSecurityContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	logger.SecurityContext(context.Background(), "replay", Source("stripe"), Error(errors.New("boom")))

	entry := decodeLine(t, &buf)
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry[FieldSecurity] != true {
		t.Errorf("security = %v, want true", entry[FieldSecurity])
	}
	if entry[FieldError] != "boom" {
		t.Errorf("error = %v, want boom", entry[FieldError])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelWarn, "json")

	logger.InfoContext(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{" Error ", slog.LevelError},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json").With(Service("webhook"))
	logger.Info("started")

	entry := decodeLine(t, &buf)
	if entry[FieldService] != "webhook" {
		t.Errorf("service = %v, want webhook", entry[FieldService])
	}
}
