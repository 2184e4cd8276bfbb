package rebuild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/manifest"
	"github.com/nupi-ai/hostd/internal/schema"
	"github.com/nupi-ai/hostd/internal/workers"
	"github.com/nupi-ai/hostd/internal/workers/builtin/querybuilder"
)

var quiet = log.New(io.Discard, "", 0)

type fakeDB struct {
	fail *atomic.Bool
}

func (fakeDB) Init(context.Context, string, map[string]any) error { return nil }

func (d fakeDB) GetSchema(context.Context) (schema.ConnectionSchema, error) {
	if d.fail.Load() {
		return schema.ConnectionSchema{}, errors.New("connection refused")
	}
	return schema.ConnectionSchema{Tables: []schema.TableSchema{
		{SchemaName: "public", TableName: "test_table", ColumnName: "id", ColumnType: "integer", PrimaryKey: true},
		{SchemaName: "public", TableName: "test_table", ColumnName: "___odd_name", ColumnType: "text", Nullable: true},
	}}, nil
}

func (fakeDB) ExecuteQuery(context.Context, string, ...any) ([]map[string]any, error) {
	return []map[string]any{{"id": int64(1), "_3_oddName": "first"}}, nil
}

func (fakeDB) ExecuteProcedure(context.Context, schema.Routine, map[string]any) ([]map[string]any, error) {
	return nil, nil
}

type fakeConfig struct {
	cfg config.ServerConfig
}

func (*fakeConfig) Init(context.Context, string, map[string]any) error { return nil }
func (c *fakeConfig) Get(context.Context) (config.ServerConfig, error) { return c.cfg, nil }
func (c *fakeConfig) Set(_ context.Context, cfg config.ServerConfig) (bool, error) {
	c.cfg = cfg
	return true, nil
}

type echo struct {
	greeting string
}

func (e *echo) SetEnv(env config.Environment)                    { e.greeting = env.String("GREETING", "hi") }
func (*echo) Init(context.Context, string, map[string]any) error { return nil }
func (e *echo) Execute(_ context.Context, req workers.RestRequest) (workers.RestResponse, error) {
	return workers.RestResponse{Body: map[string]any{"path": req.Path, "greeting": e.greeting}}, nil
}
func (*echo) APIDocFragment() map[string]any {
	return map[string]any{"get": map[string]any{"summary": "echo"}}
}

type testStrategy map[string]func() workers.Worker

func (testStrategy) Name() string { return "test" }

func (s testStrategy) Resolve(_ context.Context, location string) (workers.Worker, []string, error) {
	if f, ok := s[location]; ok {
		return f(), nil, nil
	}
	return nil, []string{location}, nil
}

type fixture struct {
	orch *Orchestrator
	live *LiveServer
	fail *atomic.Bool
	bus  *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fail := &atomic.Bool{}
	cfgWorker := &fakeConfig{cfg: config.ServerConfig{
		Env: []config.EnvVar{{Key: "GREETING", Value: "hello"}},
		Workers: []config.WorkerConfig{
			{Name: "echo", Type: "rest", Enabled: true, Import: "test:echo"},
		},
	}}
	strategy := testStrategy{
		"test:db":              func() workers.Worker { return fakeDB{fail: fail} },
		"test:config":          func() workers.Worker { return cfgWorker },
		"test:echo":            func() workers.Worker { return &echo{} },
		"builtin:querybuilder": func() workers.Worker { return querybuilder.New() },
	}
	newRegistry := func() *workers.Registry {
		return workers.NewRegistry(workers.NewResolver(strategy), workers.WithLogger(quiet))
	}
	m := &manifest.Manifest{
		Config: []config.WorkerConfig{{Name: "store", Type: "config", Enabled: true, Import: "test:config"}},
		User: []config.WorkerConfig{
			{Name: "main", Type: "database", Enabled: true, Import: "test:db", Metadata: map[string]any{"ignoreSchema": true}},
			{Name: "graph", Type: "graph", Enabled: true, Import: "builtin:querybuilder", Route: "api"},
		},
	}
	bus := eventbus.New(eventbus.WithLogger(quiet))
	t.Cleanup(bus.Shutdown)
	live := NewLiveServer(quiet)
	orch := New(newRegistry, m, live,
		WithBus(bus),
		WithLogger(quiet),
		WithMetricsHandler(textHandler("metrics")),
	)
	return &fixture{orch: orch, live: live, fail: fail, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	f.live.ServeHTTP(rec, req)
	return rec
}

func TestBuildMountsModulesAndRestWorkers(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := f.orch.Status().Current(); got != StatusOnline {
		t.Fatalf("status = %s", got)
	}

	rec := f.do(t, http.MethodPost, "/api/main", []byte(`{"field":"testTable","args":{"_limit":1}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("query status %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out.Data) != 1 || out.Data[0]["_3_oddName"] != "first" {
		t.Fatalf("query body = %s (%v)", rec.Body, err)
	}

	rec = f.do(t, http.MethodGet, "/echo/sub/path", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"path":"/sub/path"`)) || !bytes.Contains(rec.Body.Bytes(), []byte(`"greeting":"hello"`)) {
		t.Fatalf("echo = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api-docs", nil)
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"/echo"`)) || !bytes.Contains(rec.Body.Bytes(), []byte(`"/api/main"`)) {
		t.Fatalf("api-docs = %s", rec.Body)
	}

	want := map[string]bool{"/api/main": true, "/echo": true, "/api-docs": true, "/status": true, "/metrics": true}
	routes := f.orch.Routes()
	if len(routes) != len(want) {
		t.Fatalf("routes = %v", routes)
	}
	for _, r := range routes {
		if !want[r] {
			t.Fatalf("unexpected route %s", r)
		}
	}
}

func TestFailedRebuildKeepsLiveHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.Build(ctx); err != nil {
		t.Fatalf("Build: %v", err)
	}
	liveRegistry := f.orch.Registry()

	f.fail.Store(true)
	if err := f.orch.Build(ctx); err == nil {
		t.Fatal("expected build failure")
	}
	status, info := f.orch.Status().Snapshot()
	if status != StatusAdmin || info == nil || len(info.Chain) == 0 {
		t.Fatalf("after failure: %s %+v", status, info)
	}

	if rec := f.do(t, http.MethodGet, "/api/main", nil); rec.Code != http.StatusOK {
		t.Fatalf("previous handler no longer served: %d", rec.Code)
	}
	if f.orch.Registry() != liveRegistry {
		t.Fatal("failed build replaced the live registry")
	}
	if err := f.orch.Build(ctx); !errors.Is(err, ErrAdminLatched) {
		t.Fatalf("expected ErrAdminLatched, got %v", err)
	}

	f.fail.Store(false)
	if err := f.orch.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := f.orch.Status().Current(); got != StatusOnline {
		t.Fatalf("status after reset = %s", got)
	}
}

func TestFirstBuildFailureServesStatusPage(t *testing.T) {
	f := newFixture(t)
	f.fail.Store(true)
	if err := f.orch.Build(context.Background()); err == nil {
		t.Fatal("expected build failure")
	}

	rec := f.do(t, http.MethodGet, "/api/main", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Status != StatusAdmin || resp.Error == nil {
		t.Fatalf("status page = %s (%v)", rec.Body, err)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", nil); rec.Body.String() != "metrics" {
		t.Fatalf("metrics not mounted on status page: %q", rec.Body)
	}
}

func TestBuildRefusedWhileRebuilding(t *testing.T) {
	f := newFixture(t)
	f.orch.Status().force(StatusRebuilding, nil)
	if err := f.orch.Build(context.Background()); !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("expected ErrRebuildInProgress, got %v", err)
	}
}

func TestBuilderReferencingUnknownDatabase(t *testing.T) {
	f := newFixture(t)
	f.orch.manifest.User[1].Metadata = map[string]any{"databases": []any{"missing"}}
	err := f.orch.Build(context.Background())
	if err == nil || f.orch.Status().Current() != StatusAdmin {
		t.Fatalf("expected admin after unknown database, got %v", err)
	}
}

func TestRouteCollision(t *testing.T) {
	f := newFixture(t)
	f.orch.manifest.Core = []config.WorkerConfig{{Name: "status", Type: "rest", Enabled: true, Import: "test:echo"}}
	if err := f.orch.Build(context.Background()); err == nil {
		t.Fatal("expected collision with /status")
	}
}

func TestRebuildEventPublished(t *testing.T) {
	f := newFixture(t)
	sub := eventbus.Subscribe[eventbus.RebuildEvent](f.bus, eventbus.TopicRebuildDone)
	defer sub.Close()

	if err := f.orch.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	env := <-sub.C()
	if env.Payload.Error != nil || len(env.Payload.Routes) == 0 {
		t.Fatalf("rebuild event = %+v", env.Payload)
	}
}

func TestMissingConfigWorkerIsBootFailure(t *testing.T) {
	f := newFixture(t)
	f.orch.manifest.Config[0].Import = "test:nowhere"
	err := f.orch.Build(context.Background())
	if !errors.Is(err, ErrBootFailed) {
		t.Fatalf("expected ErrBootFailed, got %v", err)
	}

	f2 := newFixture(t)
	f2.fail.Store(true)
	if err := f2.orch.Build(context.Background()); err == nil || errors.Is(err, ErrBootFailed) {
		t.Fatalf("introspection failure must not be a boot failure: %v", err)
	}
}
