package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer

	log := New(Config{
		Level:       "debug",
		Format:      "json",
		Output:      &buf,
		ServiceName: "exporter-test",
	})

	log.WithComponent("worker").WithJobID("job-1").Info("frame captured", "frame", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v\n%s", err, buf.String())
	}

	want := map[string]any{
		"service":   "exporter-test",
		"component": "worker",
		"job_id":    "job-1",
		"msg":       "frame captured",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%v, got %v", k, v, entry[k])
		}
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "text", Output: &buf})

	ctx := ContextWithJobID(context.Background(), "abc")
	ctx = ContextWithRequestID(ctx, "req-9")
	log.FromContext(ctx).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "job_id=abc") || !strings.Contains(out, "request_id=req-9") {
		t.Errorf("expected job and request ids in output, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
