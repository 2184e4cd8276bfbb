package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nupi-ai/hostd/internal/workers"
)

const defaultShutdownTimeout = 5 * time.Second

// ServiceFactory builds a service when the host starts.
type ServiceFactory func(ctx context.Context) (Service, error)

// ServiceHost starts the daemon's services in registration order, stops them
// in reverse and funnels their asynchronous failures into one channel.
type ServiceHost struct {
	mu      sync.Mutex
	entries []*hostedService
	names   map[string]struct{}
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	errs    chan error
}

type hostedService struct {
	name            string
	factory         ServiceFactory
	shutdownTimeout time.Duration
	svc             Service
}

// Option configures a service registration.
type Option func(*hostedService)

// WithShutdownTimeout bounds the Shutdown call of one service.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *hostedService) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServiceHost returns an empty host.
func NewServiceHost() *ServiceHost {
	return &ServiceHost{
		names: make(map[string]struct{}),
		errs:  make(chan error, 1),
	}
}

// Register adds a service. Names are unique and registration closes at Start.
func (h *ServiceHost) Register(name string, factory ServiceFactory, opts ...Option) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("runtime: cannot register service %q after start", name)
	}
	if _, dup := h.names[name]; dup {
		return fmt.Errorf("runtime: service %q already registered", name)
	}
	s := &hostedService{name: name, factory: factory, shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(s)
	}
	h.names[name] = struct{}{}
	h.entries = append(h.entries, s)
	return nil
}

// Start builds and starts every service. The host counts as running while
// services start, so a service may call WatchConfig from its Start. When a
// service fails, the ones already started are shut down again.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return errors.New("runtime: service host already started")
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(ctx)
	runCtx := h.ctx
	entries := append([]*hostedService(nil), h.entries...)
	h.mu.Unlock()

	for i, s := range entries {
		svc, err := s.factory(runCtx)
		if err == nil {
			err = svc.Start(runCtx)
			if err != nil {
				err = fmt.Errorf("runtime: start service %q: %w", s.name, err)
			}
		} else {
			err = fmt.Errorf("runtime: create service %q: %w", s.name, err)
		}
		if err != nil {
			rollback, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			h.shutdown(rollback, entries[:i])
			cancel()
			h.mu.Lock()
			h.running = false
			h.cancel()
			h.mu.Unlock()
			return err
		}
		s.svc = svc
		h.forwardErrors(s.name, svc)
	}
	return nil
}

// Stop shuts every started service down in reverse order and returns the
// last failure.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	entries := append([]*hostedService(nil), h.entries...)
	h.mu.Unlock()
	return h.shutdown(ctx, entries)
}

func (h *ServiceHost) shutdown(ctx context.Context, entries []*hostedService) error {
	var last error
	for i := len(entries) - 1; i >= 0; i-- {
		s := entries[i]
		if s.svc == nil {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
		if err := s.svc.Shutdown(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			last = fmt.Errorf("runtime: shutdown service %q: %w", s.name, err)
		}
		cancel()
		s.svc = nil
	}
	return last
}

// Errors delivers failures reported by services exposing
// Errors() <-chan error. Only the first unread failure is kept.
func (h *ServiceHost) Errors() <-chan error {
	return h.errs
}

func (h *ServiceHost) forwardErrors(name string, svc Service) {
	reporter, ok := svc.(interface{ Errors() <-chan error })
	if !ok || reporter.Errors() == nil {
		return
	}
	go func() {
		for err := range reporter.Errors() {
			if err == nil {
				continue
			}
			select {
			case h.errs <- fmt.Errorf("%s service error: %w", name, err):
			default:
			}
		}
	}()
}

// WatchConfig calls handler with every revision watcher reports until the
// returned cancel is called, ctx ends or the host stops.
func (h *ServiceHost) WatchConfig(ctx context.Context, watcher workers.ConfigWatcher, handler func(revision int64)) (func(), error) {
	if watcher == nil {
		return nil, errors.New("runtime: no config watcher")
	}
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil, errors.New("runtime: cannot watch config before host is started")
	}
	hostCtx := h.ctx
	h.mu.Unlock()

	watchCtx, cancel := context.WithCancel(hostCtx)
	unlink := context.AfterFunc(ctx, cancel)
	revisions, err := watcher.WatchConfig(watchCtx)
	if err != nil {
		unlink()
		cancel()
		return nil, fmt.Errorf("runtime: watch config: %w", err)
	}

	go func() {
		defer unlink()
		for {
			select {
			case <-watchCtx.Done():
				return
			case rev, ok := <-revisions:
				if !ok {
					return
				}
				if handler != nil {
					handler(rev)
				}
			}
		}
	}()
	return cancel, nil
}
