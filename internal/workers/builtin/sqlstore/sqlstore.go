// Package sqlstore registers builtin:sqlstore, a config worker backed by
// the instance sqlite config database.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/config/store"
	"github.com/nupi-ai/hostd/internal/workers"
)

// Location is the import reference of this worker.
const Location = "builtin:sqlstore"

const defaultWatchInterval = 2 * time.Second

// Worker persists the ServerConfig in a store.Store.
type Worker struct {
	name     string
	env      config.Environment
	store    *store.Store
	interval time.Duration
	logger   *log.Logger
}

// New returns an unopened worker.
func New() *Worker {
	return &Worker{logger: log.Default(), interval: defaultWatchInterval}
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}

func (w *Worker) SetEnv(env config.Environment) { w.env = env }

// Init opens the store. Metadata: path (database file, defaults to the
// instance config.db), instance, watchInterval (Go duration).
func (w *Worker) Init(_ context.Context, name string, metadata map[string]any) error {
	w.name = name
	cfg := config.WorkerConfig{Name: name, Metadata: metadata}

	if raw := cfg.MetadataString("watchInterval", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("sqlstore: %s: watchInterval: %w", name, err)
		}
		w.interval = d
	}

	opts := store.Options{
		InstanceName: cfg.MetadataString("instance", w.env.String(config.EnvInstance, config.DefaultInstance)),
	}
	if path := cfg.MetadataString("path", ""); path != "" {
		opts.DBPath = config.ExpandPath(path)
	}

	s, err := store.Open(opts)
	if err != nil {
		return fmt.Errorf("sqlstore: %s: %w", name, err)
	}
	w.store = s
	w.logger.Printf("[Config] %s using %s", name, s.Path())
	return nil
}

// Get returns the stored document.
func (w *Worker) Get(ctx context.Context) (config.ServerConfig, error) {
	if w.store == nil {
		return config.ServerConfig{}, fmt.Errorf("sqlstore: %s: not initialised", w.name)
	}
	return w.store.LoadServerConfig(ctx)
}

// Set stores cfg and reports whether it differed from the stored document.
func (w *Worker) Set(ctx context.Context, cfg config.ServerConfig) (bool, error) {
	current, err := w.Get(ctx)
	if err != nil {
		return false, err
	}
	if sameDocument(current, cfg) {
		return false, nil
	}
	if err := w.store.SaveServerConfig(ctx, cfg); err != nil {
		return false, fmt.Errorf("sqlstore: %s: %w", w.name, err)
	}
	return true, nil
}

// WatchConfig reports every new revision written to the store, including
// writes by other processes.
func (w *Worker) WatchConfig(ctx context.Context) (<-chan int64, error) {
	if w.store == nil {
		return nil, fmt.Errorf("sqlstore: %s: not initialised", w.name)
	}
	return w.store.Watch(ctx, w.interval)
}

func (w *Worker) Close(context.Context) error {
	if w.store == nil {
		return nil
	}
	return w.store.Close()
}

func sameDocument(a, b config.ServerConfig) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}
