// Package console registers builtin:console, a log worker that prints host
// log lines to a standard stream.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/workers"
)

// Location is the import reference of this worker.
const Location = "builtin:console"

// Worker writes "<time> <LEVEL> <message>" lines.
type Worker struct {
	mu     sync.Mutex
	out    io.Writer
	levels map[string]struct{}
	now    func() time.Time
}

func New() *Worker {
	return &Worker{out: os.Stderr, now: time.Now}
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}

// Init reads metadata.stream (stdout|stderr) and metadata.levels.
func (w *Worker) Init(_ context.Context, name string, metadata map[string]any) error {
	cfg := config.WorkerConfig{Name: name, Metadata: metadata}
	switch stream := cfg.MetadataString("stream", "stderr"); stream {
	case "stderr":
		w.out = os.Stderr
	case "stdout":
		w.out = os.Stdout
	default:
		return fmt.Errorf("console: %s: unknown stream %q", name, stream)
	}
	if levels := cfg.MetadataStrings("levels"); len(levels) > 0 {
		w.levels = make(map[string]struct{}, len(levels))
		for _, l := range levels {
			w.levels[strings.ToUpper(l)] = struct{}{}
		}
	}
	return nil
}

func (w *Worker) Write(level, message string) {
	level = strings.ToUpper(level)
	if w.levels != nil {
		if _, ok := w.levels[level]; !ok {
			return
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%s %-5s %s\n", w.now().Format(time.RFC3339), level, strings.TrimRight(message, "\n"))
}
