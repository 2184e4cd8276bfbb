package rebuild

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/federation"
	"github.com/nupi-ai/hostd/internal/version"
	"github.com/nupi-ai/hostd/internal/workers"
)

const (
	pathAPIDocs = "/api-docs"
	pathStatus  = "/status"
	pathMetrics = "/metrics"

	maxRestBody = 4 << 20
)

// mount is one route produced by a build.
type mount struct {
	path    string
	kind    string // "module" or "rest"
	worker  string
	handler http.Handler
	doc     map[string]any
}

// StatusResponse is served at /status and by the admin page.
type StatusResponse struct {
	Status  Status              `json:"status"`
	Error   *eventbus.ErrorInfo `json:"error,omitempty"`
	Routes  []string            `json:"routes,omitempty"`
	Version string              `json:"version"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Rebuild] failed to write response: %v", err)
	}
}

func (o *Orchestrator) statusResponse() StatusResponse {
	status, info := o.status.Snapshot()
	return StatusResponse{Status: status, Error: info, Routes: o.Routes(), Version: version.String()}
}

func (o *Orchestrator) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, o.statusResponse())
}

// statusOnlyHandler is mounted while no API handler has been built. Every
// route but /status and /metrics answers 503 with the status document.
func (o *Orchestrator) statusOnlyHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(pathStatus, o.serveStatus).Methods(http.MethodGet, http.MethodHead)
	if o.metrics != nil {
		r.Handle(pathMetrics, o.metrics)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, o.statusResponse())
	})
	return o.wrap(r)
}

// router assembles the serving handler for mounts. Nothing is shared with the
// live handler, so the result can be swapped in whole.
func (o *Orchestrator) router(mounts []mount) (http.Handler, []string, error) {
	seen := map[string]string{
		pathAPIDocs: "api-docs",
		pathStatus:  "status",
		pathMetrics: "metrics",
	}
	for _, m := range mounts {
		if owner, dup := seen[m.path]; dup {
			return nil, nil, fmt.Errorf("rebuild: route %s of %q collides with %q", m.path, m.worker, owner)
		}
		seen[m.path] = m.worker
	}

	r := mux.NewRouter()
	routes := make([]string, 0, len(mounts)+3)
	for _, m := range mounts {
		switch m.kind {
		case "rest":
			r.Handle(m.path, m.handler)
			r.PathPrefix(m.path + "/").Handler(m.handler)
		default:
			r.Handle(m.path, m.handler)
		}
		routes = append(routes, m.path)
	}

	docs := apiDocs(mounts)
	r.HandleFunc(pathAPIDocs, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, docs)
	}).Methods(http.MethodGet)
	r.HandleFunc(pathStatus, o.serveStatus).Methods(http.MethodGet, http.MethodHead)
	routes = append(routes, pathAPIDocs, pathStatus)
	if o.metrics != nil {
		r.Handle(pathMetrics, o.metrics)
		routes = append(routes, pathMetrics)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, federation.ErrorResponse{Error: "no route for " + req.URL.Path})
	})

	sort.Strings(routes)
	return o.wrap(r), routes, nil
}

func (o *Orchestrator) wrap(h http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   o.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: false,
	})
	h = c.Handler(h)
	if o.middleware != nil {
		h = o.middleware(h)
	}
	return h
}

// apiDocs builds an OpenAPI style document from module and REST mounts.
func apiDocs(mounts []mount) map[string]any {
	paths := make(map[string]any, len(mounts))
	for _, m := range mounts {
		switch {
		case m.doc != nil:
			paths[m.path] = m.doc
		case m.kind == "module":
			paths[m.path] = map[string]any{
				"get": map[string]any{
					"summary":   "Module document of " + m.worker,
					"responses": map[string]any{"200": map[string]any{"description": "types and root fields"}},
				},
				"post": map[string]any{
					"summary":   "Resolve a root field of " + m.worker,
					"responses": map[string]any{"200": map[string]any{"description": "resolved rows"}},
				},
			}
		}
	}
	return map[string]any{
		"openapi": "3.0.3",
		"info":    map[string]any{"title": "hostd", "version": version.String()},
		"paths":   paths,
	}
}

// restHandler adapts a REST endpoint worker mounted at prefix.
func restHandler(name, prefix string, w workers.RestEndpointWorker) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[Rebuild] rest worker %q panicked: %v", name, p)
				writeJSON(rw, http.StatusInternalServerError, federation.ErrorResponse{Error: "internal error"})
			}
		}()

		body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxRestBody))
		if err != nil {
			writeJSON(rw, http.StatusRequestEntityTooLarge, federation.ErrorResponse{Error: err.Error()})
			return
		}
		sub := strings.TrimPrefix(r.URL.Path, prefix)
		if sub == "" {
			sub = "/"
		}
		resp, err := w.Execute(r.Context(), workers.RestRequest{
			Method:  r.Method,
			Path:    sub,
			Headers: r.Header.Clone(),
			Query:   r.URL.Query(),
			Body:    body,
		})
		if err != nil {
			log.Printf("[Rebuild] rest worker %q: %v", name, err)
			writeJSON(rw, http.StatusInternalServerError, federation.ErrorResponse{Error: err.Error()})
			return
		}
		writeRestResponse(rw, resp)
	})
}

func writeRestResponse(w http.ResponseWriter, resp workers.RestResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	var payload []byte
	switch body := resp.Body.(type) {
	case nil:
		w.WriteHeader(status)
		return
	case []byte:
		payload = body
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
	case string:
		payload = []byte(body)
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
	default:
		data, err := json.Marshal(body)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, federation.ErrorResponse{Error: err.Error()})
			return
		}
		payload = data
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
