// Package fileconfig registers builtin:fileconfig, a config worker that
// keeps the ServerConfig in a YAML file.
package fileconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/workers"
)

// Location is the import reference of this worker.
const Location = "builtin:fileconfig"

// DefaultFile is used when metadata.path is not set.
const DefaultFile = "hostd.config.yaml"

// Worker reads and writes a YAML ServerConfig document.
type Worker struct {
	mu   sync.Mutex
	env  config.Environment
	path string
}

func New() *Worker { return &Worker{} }

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}

func (w *Worker) SetEnv(env config.Environment) { w.env = env }

// Init resolves metadata.path against HOSTD_ROOT.
func (w *Worker) Init(_ context.Context, name string, metadata map[string]any) error {
	cfg := config.WorkerConfig{Name: name, Metadata: metadata}
	path := config.ExpandPath(cfg.MetadataString("path", DefaultFile))
	if !filepath.IsAbs(path) {
		root := w.env.String(config.EnvRoot, "")
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("fileconfig: %s: %w", name, err)
			}
			root = wd
		}
		path = filepath.Join(root, path)
	}
	w.path = path
	return nil
}

// Path returns the resolved document path.
func (w *Worker) Path() string { return w.path }

// Get reads the document. A missing file is an empty config.
func (w *Worker) Get(context.Context) (config.ServerConfig, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.read()
}

func (w *Worker) read() (config.ServerConfig, error) {
	var cfg config.ServerConfig
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("fileconfig: read %s: %w", w.path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("fileconfig: parse %s: %w", w.path, err)
	}
	config.NormalizeEnv(cfg.Env)
	return cfg, nil
}

// Set rewrites the document atomically. It reports false when the encoded
// document is unchanged.
func (w *Worker) Set(_ context.Context, cfg config.ServerConfig) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("fileconfig: encode: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if current, err := os.ReadFile(w.path); err == nil && string(current) == string(data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return false, fmt.Errorf("fileconfig: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), filepath.Base(w.path)+".tmp.*")
	if err != nil {
		return false, fmt.Errorf("fileconfig: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("fileconfig: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("fileconfig: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return false, fmt.Errorf("fileconfig: replace %s: %w", w.path, err)
	}
	return true, nil
}
