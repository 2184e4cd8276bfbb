package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoHandler is returned by Rebind before any handler was swapped in.
var ErrNoHandler = errors.New("rebuild: no handler to serve")

const shutdownGrace = 5 * time.Second

// LiveServer keeps one listening socket and serves whatever handler was
// swapped in last. Requests in flight finish on the handler they started on.
type LiveServer struct {
	handler atomic.Pointer[http.Handler]

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	logger   *log.Logger
}

// NewLiveServer returns a server with no listener and no handler.
func NewLiveServer(logger *log.Logger) *LiveServer {
	if logger == nil {
		logger = log.Default()
	}
	return &LiveServer{logger: logger}
}

// Swap publishes h as the handler for every subsequent request.
func (s *LiveServer) Swap(h http.Handler) {
	if h == nil {
		return
	}
	s.handler.Store(&h)
}

// Current returns the live handler or nil.
func (s *LiveServer) Current() http.Handler {
	if p := s.handler.Load(); p != nil {
		return *p
	}
	return nil
}

// ServeHTTP dispatches to the live handler.
func (s *LiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := s.Current()
	if h == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": string(StatusUnknown)})
		return
	}
	h.ServeHTTP(w, r)
}

// Rebind starts serving on addr and then retires the previous listener.
// It refuses to listen before a handler exists.
func (s *LiveServer) Rebind(addr string) error {
	if s.Current() == nil {
		return ErrNoHandler
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rebuild: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          s.logger,
	}

	s.mu.Lock()
	old := s.server
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("[Rebuild] server on %s stopped: %v", ln.Addr(), err)
		}
	}()
	s.logger.Printf("[Rebuild] serving on %s", ln.Addr())

	if old != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := old.Shutdown(ctx); err != nil {
				s.logger.Printf("[Rebuild] previous listener shutdown: %v", err)
			}
		}()
	}
	return nil
}

// Addr returns the bound address or "" when not listening.
func (s *LiveServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the listener gracefully.
func (s *LiveServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
