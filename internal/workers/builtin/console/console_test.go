package console

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestWriteFiltersLevels(t *testing.T) {
	w := New()
	if err := w.Init(context.Background(), "console", map[string]any{"levels": "warn,error"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var buf bytes.Buffer
	w.out = &buf
	w.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	w.Write("info", "skipped")
	w.Write("warn", "disk almost full\n")

	if got := buf.String(); got != "2024-01-02T03:04:05Z WARN  disk almost full\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestInitRejectsUnknownStream(t *testing.T) {
	if err := New().Init(context.Background(), "console", map[string]any{"stream": "tty"}); err == nil {
		t.Fatal("expected error")
	}
}
