// Package daemon assembles a host process: the worker registry, the rebuild
// pipeline, the served API, the control plane and the log fanout.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/controlplane"
	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/manifest"
	"github.com/nupi-ai/hostd/internal/observability"
	"github.com/nupi-ai/hostd/internal/rebuild"
	daemonruntime "github.com/nupi-ai/hostd/internal/runtime"
	"github.com/nupi-ai/hostd/internal/supervisor"
	"github.com/nupi-ai/hostd/internal/workers"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin"
	"github.com/nupi-ai/hostd/internal/workers/script"
)

const (
	serviceOpTimeout = 10 * time.Second
	logFileName      = "hostd.log"
	pidFileName      = "hostd.pid"
)

// Options configures a Daemon. Zero values fall back to the process
// environment and the instance layout.
type Options struct {
	// Env is the base environment. Defaults to the process environment.
	Env config.Environment
	// Manifest overrides the manifest named by the settings.
	Manifest *manifest.Manifest
	// Strategies are tried before built-in and script resolution.
	Strategies []workers.Strategy
	// Stdout receives the host log. Defaults to os.Stdout.
	Stdout io.Writer
	// LogFile is appended to in addition to Stdout. Defaults to
	// <instance>/logs/hostd.log; "-" disables it.
	LogFile string
	// PIDFile defaults to <instance>/run/hostd.pid; "-" disables it.
	PIDFile string
	// WebAddr and ControlAddr override the ports from the settings.
	WebAddr     string
	ControlAddr string
	// Restarter overrides the restart path chosen from the settings.
	Restarter controlplane.Restarter
}

// Daemon is one host process.
type Daemon struct {
	settings    config.Settings
	env         config.Environment
	manifest    *manifest.Manifest
	logger      *log.Logger
	output      io.Writer
	logFile     *os.File
	pidFile     string
	webAddr     string
	controlAddr string

	bus       *eventbus.Bus
	metrics   *observability.Metrics
	fanout    *LogFanout
	live      *rebuild.LiveServer
	orch      *rebuild.Orchestrator
	configs   *configAccess
	restarter controlplane.Restarter
	host      *daemonruntime.ServiceHost
	lifecycle *daemonruntime.Lifecycle

	controlMu sync.Mutex
	control   *controlService

	rebuildMu   sync.Mutex
	watchCancel func()
	rebuilds    chan int64
}

// New wires a daemon. Nothing listens until Run.
func New(opts Options) (*Daemon, error) {
	env := opts.Env
	if env.Len() == 0 {
		env = config.FromEnviron(os.Environ())
	}
	settings := config.SettingsFromEnv(env)
	paths := config.GetInstancePaths(settings.Instance)

	m := opts.Manifest
	if m == nil {
		loaded, err := manifest.LoadOrDefault(settings.Manifest)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		m = loaded
	}

	d := &Daemon{
		settings:    settings,
		env:         env,
		manifest:    m,
		pidFile:     pathOption(opts.PIDFile, filepath.Join(paths.RunDir, pidFileName)),
		webAddr:     addrOption(opts.WebAddr, settings.WebPort),
		controlAddr: addrOption(opts.ControlAddr, settings.ControlPort),
		lifecycle:   daemonruntime.NewLifecycle(),
		rebuilds:    make(chan int64, 1),
	}

	// Bus diagnostics bypass the fanout, which publishes on this bus.
	d.bus = eventbus.New(eventbus.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	d.metrics = observability.New()
	d.bus.AddObserver(d.metrics)

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	writers := []io.Writer{stdout}
	if logPath := pathOption(opts.LogFile, filepath.Join(paths.Logs, logFileName)); logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("daemon: create log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("daemon: open log file: %w", err)
		}
		d.logFile = f
		writers = append(writers, f)
	}
	d.fanout = NewLogFanout(d.bus, func() []workers.LogWorker { return logWorkers(d.orch.Registry()) })
	writers = append(writers, d.fanout)
	d.output = io.MultiWriter(writers...)
	d.logger = log.New(d.output, "", log.LstdFlags|log.Lshortfile)

	strategies := append([]workers.Strategy(nil), opts.Strategies...)
	strategies = append(strategies, workers.FactoryStrategy{}, script.Strategy{DepRoot: paths.Workers})
	resolver := workers.NewResolver(strategies...)
	newRegistry := func() *workers.Registry {
		return workers.NewRegistry(resolver, workers.WithLogger(d.logger))
	}

	d.live = rebuild.NewLiveServer(d.logger)
	d.orch = rebuild.New(newRegistry, m, d.live,
		rebuild.WithBus(d.bus),
		rebuild.WithLogger(d.logger),
		rebuild.WithEnvironment(env),
		rebuild.WithMetricsHandler(d.metrics.Handler()),
		rebuild.WithMiddleware(d.metrics.Instrument),
	)
	d.configs = &configAccess{orch: d.orch, newRegistry: newRegistry, manifest: m, env: env}

	switch {
	case opts.Restarter != nil:
		d.restarter = opts.Restarter
	case settings.IPCSocket != "":
		d.restarter = supervisor.NewSignalChannel(settings.IPCSocket)
	default:
		d.restarter = inPlaceRestarter{d: d}
	}

	d.host = daemonruntime.NewServiceHost()
	services := []struct {
		name    string
		factory daemonruntime.ServiceFactory
	}{
		{"log_fanout", func(context.Context) (daemonruntime.Service, error) { return d.fanout, nil }},
		{"web", func(context.Context) (daemonruntime.Service, error) { return &webService{d: d}, nil }},
		{"control", func(context.Context) (daemonruntime.Service, error) {
			svc := newControlService(d)
			d.controlMu.Lock()
			d.control = svc
			d.controlMu.Unlock()
			return svc, nil
		}},
	}
	for _, svc := range services {
		if err := d.host.Register(svc.name, svc.factory, daemonruntime.WithShutdownTimeout(serviceOpTimeout)); err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}
	return d, nil
}

func pathOption(value, def string) string {
	switch value {
	case "":
		return def
	case "-":
		return ""
	default:
		return value
	}
}

func addrOption(value string, port int) string {
	if value != "" {
		return value
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// Writer is the host log output: stdout, the log file and the fanout.
// Commands install it with log.SetOutput so stray log.Printf calls reach
// every sink.
func (d *Daemon) Writer() io.Writer { return d.output }

// Logger returns the host logger.
func (d *Daemon) Logger() *log.Logger { return d.logger }

// Settings returns the resolved settings.
func (d *Daemon) Settings() config.Settings { return d.settings }

// Orchestrator returns the rebuild pipeline.
func (d *Daemon) Orchestrator() *rebuild.Orchestrator { return d.orch }

// Bus returns the event bus.
func (d *Daemon) Bus() *eventbus.Bus { return d.bus }

// WebAddr returns the bound API address once listening.
func (d *Daemon) WebAddr() string { return d.live.Addr() }

// ControlAddr returns the bound control-plane address once listening.
func (d *Daemon) ControlAddr() string {
	d.controlMu.Lock()
	svc := d.control
	d.controlMu.Unlock()
	if svc == nil {
		return ""
	}
	return svc.Addr()
}

// Run starts every service and blocks until ctx ends, Shutdown is called or
// a service fails. A boot failure of a required worker is returned.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeLog()

	if d.pidFile != "" {
		if err := daemonruntime.WritePIDFile(d.pidFile, os.Getpid()); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		defer daemonruntime.RemovePIDFile(d.pidFile)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { d.lifecycle.Shutdown(nil) })
	defer stop()

	d.logger.Printf("[Daemon] starting instance %s (group %s)", d.settings.Instance, d.settings.GroupID)
	if err := d.host.Start(ctx); err != nil {
		d.bus.Shutdown()
		return fmt.Errorf("daemon: start services: %w", err)
	}

	go func() {
		for err := range d.host.Errors() {
			if err == nil {
				continue
			}
			d.logger.Printf("[Daemon] %v", err)
			d.lifecycle.Shutdown(err)
		}
	}()
	go d.rebuildLoop(ctx)

	<-d.lifecycle.Done()
	d.logger.Printf("[Daemon] shutting down")
	cancel()

	d.rebuildMu.Lock()
	if d.watchCancel != nil {
		d.watchCancel()
		d.watchCancel = nil
	}
	d.rebuildMu.Unlock()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer stopCancel()
	err := d.host.Stop(stopCtx)
	d.bus.Shutdown()
	if cause := d.lifecycle.Err(); cause != nil {
		return cause
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon: stop services: %w", err)
	}
	return nil
}

// Shutdown asks Run to return.
func (d *Daemon) Shutdown() {
	d.lifecycle.Shutdown(nil)
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

// rebuild runs the pipeline, with the Admin latch cleared when reset is set,
// then re-attaches the config watcher to the resulting build.
func (d *Daemon) rebuild(ctx context.Context, reset bool) error {
	d.rebuildMu.Lock()
	defer d.rebuildMu.Unlock()

	var err error
	if reset {
		err = d.orch.Reset(ctx)
	} else {
		err = d.orch.Build(ctx)
	}
	if err == nil {
		if cerr := d.configs.Close(ctx); cerr != nil {
			d.logger.Printf("[Daemon] close fallback config worker: %v", cerr)
		}
	}
	d.watchConfigLocked(ctx)
	return err
}

// watchConfigLocked follows the config worker of the live build, or of the
// fallback used while no build is live. Each new revision schedules one
// rebuild.
func (d *Daemon) watchConfigLocked(ctx context.Context) {
	if d.watchCancel != nil {
		d.watchCancel()
		d.watchCancel = nil
	}
	watcher, name, ok := findConfigWatcher(d.orch.Registry())
	if !ok {
		return
	}
	cancel, err := d.host.WatchConfig(ctx, watcher, func(revision int64) {
		d.logger.Printf("[Daemon] config %s moved to revision %d", name, revision)
		eventbus.Publish(ctx, d.bus, eventbus.Config.Changed, eventbus.SourceConfigWatcher, eventbus.ConfigChangedEvent{
			Worker:   name,
			Revision: revision,
		})
		select {
		case d.rebuilds <- revision:
		default:
		}
	})
	if err != nil {
		d.logger.Printf("[Daemon] cannot watch config %s: %v", name, err)
		return
	}
	d.watchCancel = cancel
}

func (d *Daemon) rebuildLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.rebuilds:
			err := d.rebuild(ctx, false)
			switch {
			case err == nil:
			case errors.Is(err, rebuild.ErrAdminLatched):
				d.logger.Printf("[Daemon] config changed while in admin state, waiting for reset")
			default:
				d.logger.Printf("[Daemon] rebuild after config change failed: %v", err)
			}
		}
	}
}
