package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nupi-ai/hostd/internal/broker"
	"github.com/nupi-ai/hostd/internal/controlplane"
	"github.com/nupi-ai/hostd/internal/rebuild"
	"github.com/nupi-ai/hostd/internal/version"
)

// webService runs the first build and puts the API listener up.
type webService struct {
	d *Daemon
}

func (s *webService) Start(ctx context.Context) error {
	d := s.d
	if err := d.rebuild(ctx, false); err != nil {
		if errors.Is(err, rebuild.ErrBootFailed) {
			return err
		}
		d.logger.Printf("[Daemon] first build failed, serving status only: %v", err)
	}
	if err := d.live.Rebind(d.webAddr); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return nil
}

func (s *webService) Shutdown(ctx context.Context) error {
	d := s.d
	err := d.live.Shutdown(ctx)
	if cerr := d.orch.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := d.configs.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// controlService serves the control plane on its own port and owns the
// cluster broker connection.
type controlService struct {
	d *Daemon

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	broker   broker.Broker
	cancel   context.CancelFunc
	errs     chan error
	wg       sync.WaitGroup
}

func newControlService(d *Daemon) *controlService {
	return &controlService{d: d, errs: make(chan error, 2)}
}

func (s *controlService) Start(ctx context.Context) error {
	d := s.d
	b, err := broker.Open(ctx, d.settings, d.logger)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	plane := controlplane.New(controlplane.Options{
		Settings:  d.settings,
		Status:    d.orch,
		Config:    d.configs,
		Restarter: d.restarter,
		Broker:    b,
		Bus:       d.bus,
		Logger:    d.logger,
		Version:   version.String(),
	})

	ln, err := net.Listen("tcp", d.controlAddr)
	if err != nil {
		b.Close()
		return fmt.Errorf("daemon: listen control %s: %w", d.controlAddr, err)
	}
	srv := &http.Server{
		Handler:           plane.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          d.logger,
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.broker = b
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := plane.Run(runCtx); err != nil {
			s.report(fmt.Errorf("control plane: %w", err))
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.report(fmt.Errorf("control listener: %w", err))
		}
	}()
	d.logger.Printf("[Daemon] control plane listening on %s (group %s)", ln.Addr(), d.settings.GroupID)
	return nil
}

func (s *controlService) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Errors reports failures of the plane or its listener.
func (s *controlService) Errors() <-chan error { return s.errs }

// Addr returns the bound control address.
func (s *controlService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *controlService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, b, cancel := s.server, s.broker, s.cancel
	s.server, s.broker, s.cancel, s.listener = nil, nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	// Hijacked websocket connections are closed by the plane, not by
	// http.Server.Shutdown.
	cancel()
	err := srv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	b.Close()
	return err
}
