package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLineHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "info message",
			opID:    "put-1",
			level:   slog.LevelInfo,
			message: "metadata committed",
			want:    "2024-06-15T14:30:45Z\tINFO\tput-1\tmetadata committed\n",
		},
		{
			name:    "warn level",
			opID:    "ls-2",
			level:   slog.LevelWarn,
			message: "descriptor missing, recreating",
			want:    "2024-06-15T14:30:45Z\tWARN\tls-2\tdescriptor missing, recreating\n",
		},
		{
			name:    "with record attrs",
			opID:    "put-3",
			level:   slog.LevelDebug,
			message: "dedup hit",
			attrs:   []slog.Attr{slog.String("path", "/docs/a.pdf"), slog.Int64("message", 42)},
			want:    "2024-06-15T14:30:45Z\tDEBUG\tput-3\tdedup hit\tpath=/docs/a.pdf\tmessage=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &lineHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLineHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &lineHandler{w: &buf, opID: "op", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "broker")}).(*lineHandler)
	if len(h.attrs) != 1 || len(h2.attrs) != 2 {
		t.Fatalf("attrs: original %d, derived %d; want 1 and 2", len(h.attrs), len(h2.attrs))
	}

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "flush", 0)
	r.AddAttrs(slog.Int("ids", 3))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := buf.String(); !strings.HasSuffix(got, "\tflush\ta=1\tcomponent=broker\tids=3\n") {
		t.Errorf("Handle() output = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var echo bytes.Buffer

	logger, f, err := newLogger(dir, "test-op", &echo)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hello", "k", "v")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for name, got := range map[string]string{"file": string(data), "echo": echo.String()} {
		if !strings.Contains(got, "\tINFO\ttest-op\thello\tk=v\n") {
			t.Errorf("%s output = %q", name, got)
		}
	}
}
