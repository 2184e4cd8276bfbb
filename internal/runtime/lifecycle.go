package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Service is a unit started and stopped by the ServiceHost.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Lifecycle carries the shutdown signal of a host process together with the
// first cause recorded for it.
type Lifecycle struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	cause error
}

// NewLifecycle creates a lifecycle controller with its own shutdown channel.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// Done is closed once Shutdown has been called.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Shutdown signals termination. A nil cause is a requested stop; the first
// non-nil cause is kept and reported by Err.
func (l *Lifecycle) Shutdown(cause error) {
	if cause != nil {
		l.mu.Lock()
		if l.cause == nil {
			l.cause = cause
		}
		l.mu.Unlock()
	}
	l.once.Do(func() { close(l.done) })
}

// Err returns the first failure passed to Shutdown.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// WritePIDFile records pid at path with owner-only permissions.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return fmt.Errorf("runtime: pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runtime: create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("runtime: write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("runtime: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("runtime: pid file %s holds %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RemovePIDFile removes the pid file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
