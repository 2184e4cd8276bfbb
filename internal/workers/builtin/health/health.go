// Package health registers builtin:health, a REST endpoint reporting
// process liveness and the loaded workers.
package health

import (
	"context"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/version"
	"github.com/nupi-ai/hostd/internal/workers"
)

// Location is the import reference of this worker.
const Location = "builtin:health"

var workerTypes = []workers.Type{
	workers.TypeDatabase,
	workers.TypeConfig,
	workers.TypeRestEndpoint,
	workers.TypeGraphBuild,
	workers.TypeLog,
}

// Worker answers GET with a liveness document.
type Worker struct {
	mu       sync.RWMutex
	name     string
	group    string
	started  time.Time
	registry workers.Lookup
	now      func() time.Time
}

func New() *Worker {
	return &Worker{now: time.Now}
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}

func (w *Worker) SetEnv(env config.Environment) {
	w.group = env.String(config.EnvGroupID, config.DefaultGroupID)
}

func (w *Worker) SetRegistry(l workers.Lookup) {
	w.mu.Lock()
	w.registry = l
	w.mu.Unlock()
}

func (w *Worker) Init(_ context.Context, name string, _ map[string]any) error {
	w.name = name
	w.started = w.now()
	return nil
}

func (w *Worker) Execute(_ context.Context, req workers.RestRequest) (workers.RestResponse, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return workers.RestResponse{
			Status:  http.StatusMethodNotAllowed,
			Headers: map[string]string{"Allow": "GET, HEAD"},
			Body:    map[string]string{"error": "method not allowed"},
		}, nil
	}

	hostname, _ := os.Hostname()
	body := map[string]any{
		"status":   "ok",
		"group":    w.group,
		"host":     hostname,
		"pid":      os.Getpid(),
		"version":  version.String(),
		"uptimeMs": w.now().Sub(w.started).Milliseconds(),
	}

	w.mu.RLock()
	registry := w.registry
	w.mu.RUnlock()
	if registry != nil {
		loaded := make(map[string][]string)
		for _, typ := range workerTypes {
			for _, rw := range registry.ByType(typ) {
				loaded[string(typ)] = append(loaded[string(typ)], rw.Config.Name)
			}
			sort.Strings(loaded[string(typ)])
		}
		body["workers"] = loaded
	}

	return workers.RestResponse{
		Status:  http.StatusOK,
		Headers: map[string]string{"Cache-Control": "no-store"},
		Body:    body,
	}, nil
}

func (w *Worker) APIDocFragment() map[string]any {
	return map[string]any{
		"get": map[string]any{
			"summary":   "Process liveness and loaded workers",
			"responses": map[string]any{"200": map[string]any{"description": "Host is running"}},
		},
	}
}
