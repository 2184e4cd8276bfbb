// Package rebuild loads workers, derives the query API from database schemas
// and hot swaps the resulting handler into the live server.
package rebuild

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/federation"
	"github.com/nupi-ai/hostd/internal/manifest"
	"github.com/nupi-ai/hostd/internal/schema"
	"github.com/nupi-ai/hostd/internal/workers"
)

// RegistryFactory returns an empty registry for one build.
type RegistryFactory func() *workers.Registry

// Orchestrator runs the rebuild pipeline.
type Orchestrator struct {
	newRegistry RegistryFactory
	registry    *workers.Registry
	manifest    *manifest.Manifest
	live        *LiveServer
	status      *StatusMachine
	federator   *federation.Federator
	bus         *eventbus.Bus
	logger      *log.Logger

	env            config.Environment
	metrics        http.Handler
	middleware     func(http.Handler) http.Handler
	allowedOrigins []string

	buildMu sync.Mutex
	stateMu sync.RWMutex
	routes  []string
	apiLive bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBus publishes status and rebuild events on bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEnvironment sets the base environment. Manifest and config worker
// variables are layered on top of it for every build.
func WithEnvironment(env config.Environment) Option {
	return func(o *Orchestrator) { o.env = env }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Orchestrator) { o.metrics = h }
}

// WithMiddleware wraps every handler the orchestrator builds.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(o *Orchestrator) { o.middleware = mw }
}

// WithAllowedOrigins sets the CORS origins of the served API.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Orchestrator) {
		if len(origins) > 0 {
			o.allowedOrigins = origins
		}
	}
}

// New binds an orchestrator to a registry factory, the declared manifest and
// the live server it swaps handlers into. Every build loads its workers into
// a fresh registry.
func New(newRegistry RegistryFactory, m *manifest.Manifest, live *LiveServer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		newRegistry:    newRegistry,
		manifest:       m,
		live:           live,
		logger:         log.Default(),
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.manifest == nil {
		o.manifest = &manifest.Manifest{}
	}
	o.status = NewStatusMachine(o.bus)
	o.federator = federation.New(federation.WithLogger(o.logger))
	return o
}

// Status returns the status machine.
func (o *Orchestrator) Status() *StatusMachine { return o.status }

// Snapshot returns the current status and the error that caused it.
func (o *Orchestrator) Snapshot() (Status, *eventbus.ErrorInfo) { return o.status.Snapshot() }

// Registry returns the registry of the live build, or nil before the first
// successful build.
func (o *Orchestrator) Registry() *workers.Registry {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.registry
}

// Routes returns the routes mounted by the last successful build.
func (o *Orchestrator) Routes() []string {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return append([]string(nil), o.routes...)
}

// Build runs the pipeline once. On failure the status becomes Admin and the
// previously live handler keeps serving. It never panics on worker errors.
func (o *Orchestrator) Build(ctx context.Context) error {
	if !o.status.Request(StatusRebuilding, nil) {
		if o.status.Current() == StatusAdmin {
			return ErrAdminLatched
		}
		return ErrRebuildInProgress
	}

	o.buildMu.Lock()
	defer o.buildMu.Unlock()

	if o.live.Current() == nil {
		o.live.Swap(o.statusOnlyHandler())
	}

	start := time.Now()
	reg := o.newRegistry()
	handler, routes, err := o.assemble(ctx, reg)
	elapsed := time.Since(start)
	if err != nil {
		o.logger.Printf("[Rebuild] build failed after %s: %v", elapsed.Round(time.Millisecond), err)
		if cerr := reg.Close(ctx); cerr != nil {
			o.logger.Printf("[Rebuild] close failed registry: %v", cerr)
		}
		o.status.force(StatusAdmin, err)
		eventbus.Publish(ctx, o.bus, eventbus.Rebuild.Done, eventbus.SourceOrchestrator, eventbus.RebuildEvent{
			Duration: elapsed,
			Error:    SerializeError(err),
		})
		return err
	}

	o.live.Swap(handler)
	o.stateMu.Lock()
	previous := o.registry
	o.registry = reg
	o.routes = routes
	o.apiLive = true
	o.stateMu.Unlock()
	if previous != nil {
		if cerr := previous.Close(ctx); cerr != nil {
			o.logger.Printf("[Rebuild] close previous registry: %v", cerr)
		}
	}

	o.status.force(StatusOnline, nil)
	eventbus.Publish(ctx, o.bus, eventbus.Rebuild.Done, eventbus.SourceOrchestrator, eventbus.RebuildEvent{
		Duration: elapsed,
		Routes:   routes,
	})
	o.logger.Printf("[Rebuild] online with %d routes in %s", len(routes), elapsed.Round(time.Millisecond))
	return nil
}

// Close releases the workers of the live build.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.stateMu.Lock()
	reg := o.registry
	o.registry = nil
	o.stateMu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Close(ctx)
}

// Reset clears an Admin latch and rebuilds in process. It is used when no
// supervisor can restart the host.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if o.status.ClearAdmin() {
		o.logger.Printf("[Rebuild] admin state cleared by reset")
	}
	return o.Build(ctx)
}

// EnterAdmin requests the Admin state with cause, for failures detected
// outside the pipeline.
func (o *Orchestrator) EnterAdmin(cause error) bool {
	return o.status.Request(StatusAdmin, cause)
}

// APILive reports whether a built API handler has ever been swapped in.
func (o *Orchestrator) APILive() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.apiLive
}

func (o *Orchestrator) assemble(ctx context.Context, reg *workers.Registry) (http.Handler, []string, error) {
	env := o.env.With(o.manifest.Env...)
	reg.SetEnvironment(env)

	for _, section := range []workers.Section{workers.SectionBoot, workers.SectionConfig} {
		if _, err := reg.Load(ctx, o.manifest.Section(section), section); err != nil {
			return nil, nil, fmt.Errorf("rebuild: load %s workers: %w: %w", section, ErrBootFailed, err)
		}
	}

	userDecl := append([]config.WorkerConfig(nil), o.manifest.User...)
	if cw, name, ok := configWorker(reg); ok {
		cfg, err := cw.Get(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("rebuild: read config from %q: %w: %w", name, ErrBootFailed, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("rebuild: config from %q: %w", name, err)
		}
		env = env.With(cfg.Env...)
		reg.SetEnvironment(env)
		userDecl = append(userDecl, cfg.Workers...)
	}

	if _, err := reg.Load(ctx, o.manifest.Core, workers.SectionCore); err != nil {
		return nil, nil, fmt.Errorf("rebuild: load core workers: %w", err)
	}
	if _, err := reg.Load(ctx, userDecl, workers.SectionUser); err != nil {
		return nil, nil, fmt.Errorf("rebuild: load user workers: %w", err)
	}

	mounts, err := o.moduleMounts(ctx, reg)
	if err != nil {
		return nil, nil, err
	}
	for _, rw := range reg.ByType(workers.TypeRestEndpoint) {
		rest, ok := rw.Instance.(workers.RestEndpointWorker)
		if !ok {
			continue
		}
		path := "/" + rw.Config.RouteSegment()
		mounts = append(mounts, mount{
			path:    path,
			kind:    "rest",
			worker:  rw.Config.Name,
			handler: restHandler(rw.Config.Name, path, rest),
			doc:     rest.APIDocFragment(),
		})
	}

	return o.router(mounts)
}

func configWorker(reg *workers.Registry) (workers.ConfigWorker, string, bool) {
	for _, rw := range reg.ByType(workers.TypeConfig) {
		if cw, ok := rw.Instance.(workers.ConfigWorker); ok {
			return cw, rw.Config.Name, true
		}
	}
	return nil, "", false
}

// moduleMounts introspects every database referenced by a graph builder,
// once per run, and federates one module per (builder, database) pair.
func (o *Orchestrator) moduleMounts(ctx context.Context, reg *workers.Registry) ([]mount, error) {
	introspector := schema.NewIntrospector(schema.NewCache(), schema.WithLogger(o.logger))
	databases := reg.ByType(workers.TypeDatabase)

	var mounts []mount
	for _, brw := range reg.ByType(workers.TypeGraphBuild) {
		builder, ok := brw.Instance.(workers.GraphBuildWorker)
		if !ok {
			continue
		}
		targets, err := builderTargets(reg, brw, databases)
		if err != nil {
			return nil, err
		}
		for _, drw := range targets {
			db, ok := drw.Instance.(workers.DatabaseWorker)
			if !ok {
				return nil, fmt.Errorf("rebuild: %q is not a database worker", drw.Config.Name)
			}
			s, err := introspector.Introspect(ctx, drw.Config.Name, db, schema.Options{
				IncludeSchemas: drw.Config.MetadataStrings("schemas"),
				IgnoreSchema:   drw.Config.MetadataBool("ignoreSchema", false),
			})
			if err != nil {
				return nil, fmt.Errorf("rebuild: %w", err)
			}
			module, err := o.federator.Build(ctx, brw.Config.Name, builder, drw.Config.Name, db, s)
			if err != nil {
				return nil, fmt.Errorf("rebuild: %w", err)
			}
			name := brw.Config.Name + "/" + drw.Config.Name
			mounts = append(mounts, mount{
				path:    "/" + brw.Config.RouteSegment() + "/" + drw.Config.RouteSegment(),
				kind:    "module",
				worker:  name,
				handler: federation.Handler(module),
			})
		}
	}
	return mounts, nil
}

// builderTargets resolves metadata.databases of a builder: an explicit name
// list, or "*" (the default) for every database worker.
func builderTargets(reg *workers.Registry, builder workers.RegisteredWorker, databases []workers.RegisteredWorker) ([]workers.RegisteredWorker, error) {
	names := builder.Config.MetadataStrings("databases")
	for _, n := range names {
		if n == "*" {
			names = nil
			break
		}
	}
	if len(names) == 0 {
		return databases, nil
	}

	out := make([]workers.RegisteredWorker, 0, len(names))
	for _, n := range names {
		rw, ok := reg.Lookup(workers.TypeDatabase, n)
		if !ok {
			return nil, fmt.Errorf("rebuild: builder %q references unknown database %q", builder.Config.Name, n)
		}
		out = append(out, rw)
	}
	return out, nil
}
