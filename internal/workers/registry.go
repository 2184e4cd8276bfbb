package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/nupi-ai/hostd/internal/config"
)

// RegisteredWorker is a loaded worker.
type RegisteredWorker struct {
	Config   config.WorkerConfig
	Instance Worker
	Section  Section
}

// Lookup is the read side of the registry handed to workers.
type Lookup interface {
	Lookup(typ Type, name string) (RegisteredWorker, bool)
	ByType(typ Type) []RegisteredWorker
}

// Registry holds every loaded worker, at most one per name, in load order.
type Registry struct {
	loadMu   sync.Mutex
	mu       sync.RWMutex
	workers  []RegisteredWorker
	index    map[string]int
	resolver *Resolver
	env      config.Environment
	logger   *log.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithEnvironment sets the environment injected into EnvAware workers.
func WithEnvironment(env config.Environment) Option {
	return func(r *Registry) { r.env = env }
}

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry. A nil resolver falls back to the
// built-in factory table.
func NewRegistry(resolver *Resolver, opts ...Option) *Registry {
	if resolver == nil {
		resolver = NewResolver()
	}
	r := &Registry{
		index:    make(map[string]int),
		resolver: resolver,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetEnvironment replaces the environment injected into workers loaded from
// now on.
func (r *Registry) SetEnvironment(env config.Environment) {
	r.mu.Lock()
	r.env = env
	r.mu.Unlock()
}

// Load registers configs in order under section and returns the workers
// added by this call. Disabled configs and names already present are
// skipped. The first resolve, contract or Init failure aborts the load.
func (r *Registry) Load(ctx context.Context, configs []config.WorkerConfig, section Section) ([]RegisteredWorker, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	var loaded []RegisteredWorker
	for _, cfg := range configs {
		cfg.Name = strings.TrimSpace(cfg.Name)
		if !cfg.Enabled {
			r.logger.Printf("[Workers] skipping disabled worker %q", cfg.Name)
			continue
		}
		if cfg.Name == "" {
			return loaded, fmt.Errorf("workers: worker with import %q has no name", cfg.Import)
		}
		if r.has(cfg.Name) {
			continue
		}

		rw, err := r.instantiate(ctx, cfg, section)
		if err != nil {
			return loaded, err
		}

		r.mu.Lock()
		r.index[cfg.Name] = len(r.workers)
		r.workers = append(r.workers, rw)
		r.mu.Unlock()

		loaded = append(loaded, rw)
		r.logger.Printf("[Workers] loaded %s worker %q (%s) from %s", cfg.Type, cfg.Name, section, cfg.Import)
	}

	for _, rw := range loaded {
		if aware, ok := rw.Instance.(RegistryAware); ok {
			aware.SetRegistry(r)
		}
	}
	return loaded, nil
}

// Push registers a single worker. Pushing a known name is a no-op.
func (r *Registry) Push(ctx context.Context, cfg config.WorkerConfig, section Section) error {
	_, err := r.Load(ctx, []config.WorkerConfig{cfg}, section)
	return err
}

func (r *Registry) instantiate(ctx context.Context, cfg config.WorkerConfig, section Section) (RegisteredWorker, error) {
	instance, err := r.resolver.Resolve(ctx, cfg.Name, cfg.Import)
	if err != nil {
		return RegisteredWorker{}, err
	}
	if err := CheckContract(Type(cfg.Type), instance); err != nil {
		return RegisteredWorker{}, fmt.Errorf("workers: worker %q: %w", cfg.Name, err)
	}

	if aware, ok := instance.(EnvAware); ok {
		r.mu.RLock()
		env := r.env
		r.mu.RUnlock()
		aware.SetEnv(env)
	}

	metadata := cfg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if err := instance.Init(ctx, cfg.Name, metadata); err != nil {
		return RegisteredWorker{}, fmt.Errorf("workers: init %q: %w", cfg.Name, err)
	}
	return RegisteredWorker{Config: cfg, Instance: instance, Section: section}, nil
}

func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[name]
	return ok
}

// Lookup returns the first worker of typ, in load order, whose name matches.
// An empty name matches any worker of typ.
func (r *Registry) Lookup(typ Type, name string) (RegisteredWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name != "" {
		i, ok := r.index[name]
		if !ok || Type(r.workers[i].Config.Type) != typ {
			return RegisteredWorker{}, false
		}
		return r.workers[i], true
	}
	for _, w := range r.workers {
		if Type(w.Config.Type) == typ {
			return w, true
		}
	}
	return RegisteredWorker{}, false
}

// ByType returns every worker of typ in load order.
func (r *Registry) ByType(typ Type) []RegisteredWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RegisteredWorker
	for _, w := range r.workers {
		if Type(w.Config.Type) == typ {
			out = append(out, w)
		}
	}
	return out
}

// All returns every worker in load order.
func (r *Registry) All() []RegisteredWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredWorker, len(r.workers))
	copy(out, r.workers)
	return out
}

// Names returns the registered names in load order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.workers))
	for i, w := range r.workers {
		out[i] = w.Config.Name
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Close shuts down Closer workers in reverse load order.
func (r *Registry) Close(ctx context.Context) error {
	all := r.All()
	var errs []error
	for i := len(all) - 1; i >= 0; i-- {
		c, ok := all[i].Instance.(Closer)
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workers: close %q: %w", all[i].Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the instance of the first matching worker as T.
func Get[T any](l Lookup, typ Type, name string) (T, bool) {
	var zero T
	if l == nil {
		return zero, false
	}
	rw, ok := l.Lookup(typ, name)
	if !ok {
		return zero, false
	}
	instance, ok := rw.Instance.(T)
	return instance, ok
}
