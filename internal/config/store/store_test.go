package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	storecrypto "github.com/nupi-ai/hostd/internal/config/store/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InstanceName: "test", DBPath: filepath.Join(t.TempDir(), "config.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConfig() config.ServerConfig {
	return config.ServerConfig{
		Env: []config.EnvVar{
			{Key: config.EnvGroupID, Value: "edge", System: true},
			{Key: "DB_PASSWORD", Value: "hunter2"},
			{Key: "POOL", Value: int64(4)},
			{Key: "RATIO", Value: 0.5},
			{Key: "VERBOSE", Value: true},
		},
		Workers: []config.WorkerConfig{
			{Name: "main", Type: "database", Enabled: true, Import: "builtin:sqlite", Metadata: map[string]any{"dsn": "app.db", "schemas": []any{"main"}}},
			{Name: "graph", Type: "graph", Enabled: false, Import: "builtin:querybuilder", Route: "api"},
		},
	}
}

func TestSaveAndLoadServerConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	empty, err := s.LoadServerConfig(ctx)
	if err != nil || len(empty.Env) != 0 || len(empty.Workers) != 0 {
		t.Fatalf("fresh store = %+v, %v", empty, err)
	}

	if err := s.SaveServerConfig(ctx, sampleConfig()); err != nil {
		t.Fatalf("SaveServerConfig: %v", err)
	}
	got, err := s.LoadServerConfig(ctx)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	env := got.Environment()
	if v, _ := env.Lookup(config.EnvGroupID); v.Value != "edge" || !v.System {
		t.Fatalf("group id = %+v", v)
	}
	if v, _ := env.Lookup("POOL"); v.Value != int64(4) {
		t.Fatalf("POOL = %#v", v.Value)
	}
	if v, _ := env.Lookup("RATIO"); v.Value != 0.5 {
		t.Fatalf("RATIO = %#v", v.Value)
	}
	if v, _ := env.Lookup("VERBOSE"); v.Value != true {
		t.Fatalf("VERBOSE = %#v", v.Value)
	}
	if v, _ := env.Lookup("DB_PASSWORD"); v.Value != "hunter2" {
		t.Fatalf("DB_PASSWORD = %#v", v.Value)
	}

	if len(got.Workers) != 2 || got.Workers[0].Name != "main" || got.Workers[1].Route != "api" || got.Workers[1].Enabled {
		t.Fatalf("workers = %+v", got.Workers)
	}
	if got.Workers[0].MetadataString("dsn", "") != "app.db" || got.Workers[1].Metadata != nil {
		t.Fatalf("metadata = %+v", got.Workers)
	}
}

func TestSecretsAreSealedAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveServerConfig(ctx, sampleConfig()); err != nil {
		t.Fatalf("SaveServerConfig: %v", err)
	}

	var raw string
	if err := s.DB().QueryRow(`SELECT value FROM env_vars WHERE key = 'DB_PASSWORD'`).Scan(&raw); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !storecrypto.IsSealed(raw) || strings.Contains(raw, "hunter2") {
		t.Fatalf("secret stored in clear: %q", raw)
	}
	if err := s.DB().QueryRow(`SELECT value FROM env_vars WHERE key = 'POOL'`).Scan(&raw); err != nil || raw != "4" {
		t.Fatalf("plain value = %q, %v", raw, err)
	}
}

func TestReopenWithoutKeyRefuses(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveServerConfig(context.Background(), sampleConfig()); err != nil {
		t.Fatalf("SaveServerConfig: %v", err)
	}
	s.Close()

	if err := os.Remove(storecrypto.KeyPath(dbPath)); err != nil {
		t.Fatalf("remove key: %v", err)
	}
	if _, err := Open(Options{DBPath: dbPath}); !errors.Is(err, storecrypto.ErrKeyLost) {
		t.Fatalf("expected ErrKeyLost, got %v", err)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	s := openTestStore(t)
	bad := config.ServerConfig{Workers: []config.WorkerConfig{{Name: "x", Type: "database"}}}
	if err := s.SaveServerConfig(context.Background(), bad); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if rev, _ := s.Revision(context.Background()); rev != 0 {
		t.Fatalf("invalid save bumped revision to %d", rev)
	}
}

func TestLoadWorkerNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadWorker(context.Background(), "ghost"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if err := s.SaveServerConfig(context.Background(), sampleConfig()); err != nil {
		t.Fatal(err)
	}
	w, err := s.LoadWorker(context.Background(), "graph")
	if err != nil || w.Import != "builtin:querybuilder" {
		t.Fatalf("LoadWorker = %+v, %v", w, err)
	}
}

func TestWatchEmitsOnSave(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Watch(ctx, MinWatchInterval)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := s.SaveServerConfig(ctx, sampleConfig()); err != nil {
		t.Fatalf("SaveServerConfig: %v", err)
	}

	select {
	case rev := <-events:
		if rev != 1 {
			t.Fatalf("revision = %d, want 1", rev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
	}

	cancel()
	for range events {
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	ro := &Store{readOnly: true}
	if err := ro.SaveServerConfig(context.Background(), config.ServerConfig{}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}
