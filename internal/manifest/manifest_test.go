package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/workers"
)

const sample = `
apiVersion: hostd/v1
kind: WorkerManifest
env:
  - key: POOL_SIZE
    value: 4
workers:
  config:
    - name: store
      type: config
      import: builtin:sqlstore
  core:
    - name: health
      type: rest
      import: builtin:health
      route: /healthz/
  user:
    - name: main
      type: database
      import: builtin:sqlite
      metadata:
        dsn: app.db
    - name: legacy
      type: database
      import: builtin:mysql
      enabled: false
`

func TestParseDefaultsEnabled(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.User) != 2 || !m.User[0].Enabled || m.User[1].Enabled {
		t.Fatalf("user = %+v", m.User)
	}
	if m.Core[0].RouteSegment() != "healthz" {
		t.Fatalf("route = %q", m.Core[0].RouteSegment())
	}
	if m.Env[0].Value != int64(4) {
		t.Fatalf("env value = %#v", m.Env[0].Value)
	}
	if w, ok := m.ConfigWorker(); !ok || w.Import != "builtin:sqlstore" {
		t.Fatalf("config worker = %+v, %v", w, ok)
	}
	if got := m.Section(workers.SectionUser); len(got) != 2 {
		t.Fatalf("Section(user) = %d entries", len(got))
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"version", "apiVersion: hostd/v9\n"},
		{"kind", "kind: Other\n"},
		{"duplicate across sections", `
workers:
  core:
    - {name: a, type: rest, import: "builtin:health"}
  user:
    - {name: a, type: database, import: "builtin:sqlite"}
`},
		{"missing import", `
workers:
  user:
    - {name: a, type: database}
`},
		{"config section type", `
workers:
  config:
    - {name: a, type: database, import: "builtin:sqlite"}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := Parse([]byte("workers:\n  user:\n    - {name: a, type: database}\n"))
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "workers.yml"), []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if filepath.Base(m.File) != "workers.yml" || len(m.Config) != 1 {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "none.yaml")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if _, err := Load(dir); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist for empty dir, got %v", err)
	}
	m, err := LoadOrDefault(dir)
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("default manifest invalid: %v", err)
	}
	if _, ok := m.ConfigWorker(); !ok {
		t.Fatal("default manifest has no config worker")
	}
}
