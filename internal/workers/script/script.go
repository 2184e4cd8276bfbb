// Package script loads workers written in JavaScript.
//
// A script worker is a CommonJS style module evaluated with goja:
//
//	module.exports = {
//	  init: function (name, metadata, env) {},
//	  execute: function (req) { return {status: 200, body: {ok: true}}; },
//	  apiDoc: {summary: "..."},
//	  write: function (level, message) {},
//	};
//
// Every export is optional; calling an operation whose export is missing
// returns an error (or is ignored for write).
package script

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/workers"
)

// Worker is a loaded script worker. The runtime is not goroutine safe, so
// every call into it is serialised.
type Worker struct {
	path string

	mu      sync.Mutex
	vm      *goja.Runtime
	exports *goja.Object
	name    string
	env     config.Environment
}

// Load evaluates the script at path.
func Load(path string) (*Worker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}

	vm := goja.New()
	exports := vm.NewObject()
	module := vm.NewObject()
	_ = module.Set("exports", exports)
	vm.Set("module", module)
	vm.Set("exports", exports)

	w := &Worker{path: path, vm: vm}
	console := vm.NewObject()
	_ = console.Set("log", func(args ...any) { w.logf("%s", joinArgs(args)) })
	_ = console.Set("error", func(args ...any) { w.logf("ERROR: %s", joinArgs(args)) })
	vm.Set("console", console)

	if _, err := vm.RunString(string(data)); err != nil {
		return nil, fmt.Errorf("script: execute %s: %w", path, err)
	}
	if v := module.Get("exports"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		exports = v.ToObject(vm)
	}
	w.exports = exports
	return w, nil
}

func (w *Worker) logf(format string, args ...any) {
	name := w.name
	if name == "" {
		name = filepath.Base(w.path)
	}
	log.Printf("[Script] %s: "+format, append([]any{name}, args...)...)
}

// Path returns the file the worker was loaded from.
func (w *Worker) Path() string { return w.path }

// SetEnv stores the environment handed to init.
func (w *Worker) SetEnv(env config.Environment) {
	w.mu.Lock()
	w.env = env
	w.mu.Unlock()
}

// Init calls the init export when present.
func (w *Worker) Init(_ context.Context, name string, metadata map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.name = name

	fn, ok := goja.AssertFunction(w.exports.Get("init"))
	if !ok {
		return nil
	}
	env := make(map[string]any, w.env.Len())
	for _, v := range w.env.Vars() {
		env[v.Key] = v.Value
	}
	if _, err := fn(goja.Undefined(), w.vm.ToValue(name), w.vm.ToValue(metadata), w.vm.ToValue(env)); err != nil {
		return fmt.Errorf("script: %s init: %w", name, err)
	}
	return nil
}

// Execute calls the execute export with the request.
func (w *Worker) Execute(_ context.Context, req workers.RestRequest) (workers.RestResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fn, ok := goja.AssertFunction(w.exports.Get("execute"))
	if !ok {
		return workers.RestResponse{}, fmt.Errorf("script: %s does not export execute", w.name)
	}

	headers := make(map[string]string, len(req.Headers))
	for k := range req.Headers {
		headers[strings.ToLower(k)] = req.Headers.Get(k)
	}
	query := make(map[string]string, len(req.Query))
	for k := range req.Query {
		query[k] = req.Query.Get(k)
	}
	in := map[string]any{
		"method":  req.Method,
		"path":    req.Path,
		"headers": headers,
		"query":   query,
		"body":    string(req.Body),
	}

	out, err := fn(goja.Undefined(), w.vm.ToValue(in))
	if err != nil {
		return workers.RestResponse{}, fmt.Errorf("script: %s execute: %w", w.name, err)
	}
	return toResponse(out.Export()), nil
}

func toResponse(v any) workers.RestResponse {
	resp := workers.RestResponse{Status: http.StatusOK}
	obj, ok := v.(map[string]any)
	if !ok {
		resp.Body = v
		return resp
	}
	if status, ok := obj["status"]; ok {
		switch s := status.(type) {
		case int64:
			resp.Status = int(s)
		case float64:
			resp.Status = int(s)
		}
	}
	if headers, ok := obj["headers"].(map[string]any); ok {
		resp.Headers = make(map[string]string, len(headers))
		for k, val := range headers {
			resp.Headers[k] = fmt.Sprint(val)
		}
	}
	resp.Body = obj["body"]
	return resp
}

// APIDocFragment returns the apiDoc export, calling it when it is a
// function.
func (w *Worker) APIDocFragment() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := w.exports.Get("apiDoc")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if fn, ok := goja.AssertFunction(v); ok {
		out, err := fn(goja.Undefined())
		if err != nil {
			w.logf("apiDoc failed: %v", err)
			return nil
		}
		v = out
	}
	doc, _ := v.Export().(map[string]any)
	return doc
}

// Write forwards a log line to the write export when present.
func (w *Worker) Write(level, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fn, ok := goja.AssertFunction(w.exports.Get("write"))
	if !ok {
		return
	}
	// A failing log sink must not log through the host logger again.
	_, _ = fn(goja.Undefined(), w.vm.ToValue(level), w.vm.ToValue(message))
}

func joinArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, " ")
}

// Strategy resolves script workers on disk.
type Strategy struct {
	// DepRoot is the project-local dependency directory searched after the
	// location itself.
	DepRoot string
}

func (Strategy) Name() string { return "script" }

// Resolve loads the first candidate file that exists.
func (s Strategy) Resolve(_ context.Context, location string) (workers.Worker, []string, error) {
	candidates := Candidates(location, s.DepRoot)
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		w, err := Load(c)
		if err != nil {
			return nil, candidates, err
		}
		return w, candidates, nil
	}
	return nil, candidates, nil
}

// Candidates lists the paths tried for location: as given, with ".js",
// with "/index.js", then the same three under depRoot.
func Candidates(location, depRoot string) []string {
	location = strings.TrimSpace(location)
	if location == "" || strings.HasPrefix(location, "builtin:") {
		return nil
	}
	location = config.ExpandPath(location)
	forms := func(base string) []string {
		return []string{base, base + ".js", filepath.Join(base, "index.js")}
	}
	out := forms(location)
	if depRoot != "" && !filepath.IsAbs(location) {
		out = append(out, forms(filepath.Join(depRoot, location))...)
	}
	return out
}
