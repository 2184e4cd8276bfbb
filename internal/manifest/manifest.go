// Package manifest loads the declared worker set of a host instance.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/workers"
)

const (
	// APIVersion is the only manifest version understood by this build.
	APIVersion = "hostd/v1"
	// Kind identifies worker manifests.
	Kind = "WorkerManifest"

	manifestYAML = "workers.yaml"
	manifestYML  = "workers.yml"
	manifestJSON = "workers.json"
)

// Manifest is a parsed worker manifest.
type Manifest struct {
	File string
	Env  []config.EnvVar

	Boot   []config.WorkerConfig
	Config []config.WorkerConfig
	Core   []config.WorkerConfig
	User   []config.WorkerConfig
}

// Section returns the declarations of one lifecycle section.
func (m *Manifest) Section(s workers.Section) []config.WorkerConfig {
	if m == nil {
		return nil
	}
	switch s {
	case workers.SectionBoot:
		return m.Boot
	case workers.SectionConfig:
		return m.Config
	case workers.SectionCore:
		return m.Core
	case workers.SectionUser:
		return m.User
	default:
		return nil
	}
}

// ConfigWorker returns the first enabled config-section worker.
func (m *Manifest) ConfigWorker() (config.WorkerConfig, bool) {
	for _, w := range m.Section(workers.SectionConfig) {
		if w.Enabled && w.Type == string(workers.TypeConfig) {
			return w, true
		}
	}
	return config.WorkerConfig{}, false
}

type entry struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Enabled  *bool          `yaml:"enabled"`
	Import   string         `yaml:"import"`
	Route    string         `yaml:"route"`
	Metadata map[string]any `yaml:"metadata"`
}

func (e entry) worker() config.WorkerConfig {
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return config.WorkerConfig{
		Name:     strings.TrimSpace(e.Name),
		Type:     strings.TrimSpace(e.Type),
		Enabled:  enabled,
		Import:   strings.TrimSpace(e.Import),
		Route:    strings.TrimSpace(e.Route),
		Metadata: e.Metadata,
	}
}

type document struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Env        []config.EnvVar `yaml:"env"`
	Workers    struct {
		Boot   []entry `yaml:"boot"`
		Config []entry `yaml:"config"`
		Core   []entry `yaml:"core"`
		User   []entry `yaml:"user"`
	} `yaml:"workers"`
}

// Load reads the manifest at path. When path is a directory the first of
// workers.yaml, workers.yml and workers.json found in it is used. A missing
// manifest yields an error wrapping fs.ErrNotExist.
func Load(path string) (*Manifest, error) {
	file, err := locateManifestFile(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", file, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", file, err)
	}
	m.File = file
	return m, nil
}

// Parse decodes and validates a manifest document. JSON is accepted as a
// subset of YAML.
func Parse(data []byte) (*Manifest, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if v := strings.TrimSpace(doc.APIVersion); v != "" && v != APIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q", v)
	}
	if k := strings.TrimSpace(doc.Kind); k != "" && k != Kind {
		return nil, fmt.Errorf("unsupported manifest kind %q", k)
	}

	convert := func(entries []entry) []config.WorkerConfig {
		out := make([]config.WorkerConfig, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.worker())
		}
		return out
	}
	m := &Manifest{
		Env:    config.NormalizeEnv(doc.Env),
		Boot:   convert(doc.Workers.Boot),
		Config: convert(doc.Workers.Config),
		Core:   convert(doc.Workers.Core),
		User:   convert(doc.Workers.User),
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks declarations across every section. Names are unique host
// wide, not per section.
func (m *Manifest) Validate() error {
	var all []config.WorkerConfig
	for _, s := range []workers.Section{workers.SectionBoot, workers.SectionConfig, workers.SectionCore, workers.SectionUser} {
		all = append(all, m.Section(s)...)
	}
	if err := (config.ServerConfig{Env: m.Env, Workers: all}).Validate(); err != nil {
		return err
	}
	for _, w := range m.Config {
		if w.Type != string(workers.TypeConfig) {
			return fmt.Errorf("%w: config section worker %q has type %q", config.ErrInvalidConfig, w.Name, w.Type)
		}
	}
	return nil
}

// Default is the manifest used when an instance has none: the sqlite config
// store and the health endpoint.
func Default() *Manifest {
	return &Manifest{
		Config: []config.WorkerConfig{
			{Name: "store", Type: string(workers.TypeConfig), Enabled: true, Import: "builtin:sqlstore"},
		},
		Core: []config.WorkerConfig{
			{Name: "health", Type: string(workers.TypeRestEndpoint), Enabled: true, Import: "builtin:health"},
		},
	}
}

// LoadOrDefault is Load with a missing manifest replaced by Default.
func LoadOrDefault(path string) (*Manifest, error) {
	m, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return m, err
}

func locateManifestFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("manifest: %s: %w", path, fs.ErrNotExist)
		}
		return "", fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return path, nil
	}

	candidates := []string{
		filepath.Join(path, manifestYAML),
		filepath.Join(path, manifestYML),
		filepath.Join(path, manifestJSON),
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("manifest: stat %s: %w", candidate, err)
		}
		if info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("manifest: no manifest in %s: %w", path, fs.ErrNotExist)
}
