package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/manifest"
	"github.com/nupi-ai/hostd/internal/rebuild"
	"github.com/nupi-ai/hostd/internal/workers"
)

var errNoConfigWorker = errors.New("daemon: manifest declares no config worker")

// configAccess serves the control plane's Config and ConfigSave commands
// from the config worker of the live build. When no build is live, as after
// a failed first build, it loads the declared config worker on its own so
// the configuration can still be repaired.
type configAccess struct {
	orch        *rebuild.Orchestrator
	newRegistry rebuild.RegistryFactory
	manifest    *manifest.Manifest
	env         config.Environment

	mu       sync.Mutex
	fallback *workers.Registry
}

func (c *configAccess) Get(ctx context.Context) (config.ServerConfig, error) {
	cw, err := c.worker(ctx)
	if err != nil {
		return config.ServerConfig{}, err
	}
	return cw.Get(ctx)
}

func (c *configAccess) Set(ctx context.Context, cfg config.ServerConfig) (bool, error) {
	cw, err := c.worker(ctx)
	if err != nil {
		return false, err
	}
	return cw.Set(ctx, cfg)
}

func (c *configAccess) worker(ctx context.Context) (workers.ConfigWorker, error) {
	if cw, ok := findConfigWorker(c.orch.Registry()); ok {
		return cw, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cw, ok := findConfigWorker(c.fallback); ok {
		return cw, nil
	}
	if len(c.manifest.Config) == 0 {
		return nil, errNoConfigWorker
	}
	reg := c.newRegistry()
	reg.SetEnvironment(c.env.With(c.manifest.Env...))
	if _, err := reg.Load(ctx, c.manifest.Config, workers.SectionConfig); err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}
	c.fallback = reg
	if cw, ok := findConfigWorker(reg); ok {
		return cw, nil
	}
	return nil, errNoConfigWorker
}

// Close releases the fallback worker, if one was loaded.
func (c *configAccess) Close(ctx context.Context) error {
	c.mu.Lock()
	reg := c.fallback
	c.fallback = nil
	c.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Close(ctx)
}

func findConfigWorker(reg *workers.Registry) (workers.ConfigWorker, bool) {
	if reg == nil {
		return nil, false
	}
	for _, rw := range reg.ByType(workers.TypeConfig) {
		if cw, ok := rw.Instance.(workers.ConfigWorker); ok {
			return cw, true
		}
	}
	return nil, false
}

func findConfigWatcher(reg *workers.Registry) (workers.ConfigWatcher, string, bool) {
	if reg == nil {
		return nil, "", false
	}
	for _, rw := range reg.ByType(workers.TypeConfig) {
		if w, ok := rw.Instance.(workers.ConfigWatcher); ok {
			return w, rw.Config.Name, true
		}
	}
	return nil, "", false
}

func logWorkers(reg *workers.Registry) []workers.LogWorker {
	if reg == nil {
		return nil
	}
	found := reg.ByType(workers.TypeLog)
	out := make([]workers.LogWorker, 0, len(found))
	for _, rw := range found {
		if lw, ok := rw.Instance.(workers.LogWorker); ok {
			out = append(out, lw)
		}
	}
	return out
}

// inPlaceRestarter rebuilds the host in its own process. It is used when no
// supervisor socket was handed to the process.
type inPlaceRestarter struct {
	d *Daemon
}

func (r inPlaceRestarter) Restart(ctx context.Context) error {
	return r.d.rebuild(ctx, true)
}
