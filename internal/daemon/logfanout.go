package daemon

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/workers"
)

const fanoutBuffer = 1024

// LogFanout is the io.Writer end of the host logger. Each line is handed to
// the registered log workers and published on the bus for the control plane.
// Write never blocks; lines are dropped while the delivery goroutine is
// behind.
type LogFanout struct {
	bus   *eventbus.Bus
	sinks func() []workers.LogWorker
	lines chan logLine

	dropped atomic.Int64
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

type logLine struct {
	at   time.Time
	text string
}

// NewLogFanout returns a fanout publishing to bus and delivering to the
// workers returned by sinks at delivery time.
func NewLogFanout(bus *eventbus.Bus, sinks func() []workers.LogWorker) *LogFanout {
	return &LogFanout{
		bus:   bus,
		sinks: sinks,
		lines: make(chan logLine, fanoutBuffer),
	}
}

func (f *LogFanout) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	if text == "" {
		return len(p), nil
	}
	select {
	case f.lines <- logLine{at: time.Now(), text: text}:
	default:
		f.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped returns the number of lines lost to a full buffer.
func (f *LogFanout) Dropped() int64 { return f.dropped.Load() }

// Start runs delivery until Shutdown.
func (f *LogFanout) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-f.lines:
				f.deliver(ctx, line)
			}
		}
	}()
	return nil
}

// Shutdown stops delivery. Lines still buffered are discarded.
func (f *LogFanout) Shutdown(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *LogFanout) deliver(ctx context.Context, line logLine) {
	level := levelOf(line.text)
	if f.sinks != nil {
		for _, w := range f.sinks() {
			w.Write(string(level), line.text)
		}
	}
	eventbus.Publish(ctx, f.bus, eventbus.Host.Log, eventbus.SourceLogFanout, eventbus.LogEvent{
		Level:     level,
		Message:   line.text,
		Timestamp: line.at,
	})
}

// levelOf guesses the severity of a free-form log line.
func levelOf(line string) eventbus.LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "panic"), strings.Contains(lower, "error"), strings.Contains(lower, "fail"):
		return eventbus.LogLevelError
	case strings.Contains(lower, "warn"):
		return eventbus.LogLevelWarn
	case strings.Contains(lower, "debug"):
		return eventbus.LogLevelDebug
	default:
		return eventbus.LogLevelInfo
	}
}
