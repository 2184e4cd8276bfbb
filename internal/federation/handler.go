package federation

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// Request is the body of a POST against a mounted module.
type Request struct {
	Field string         `json:"field"`
	Args  map[string]any `json:"args,omitempty"`
}

// Response is the body returned for a successful request.
type Response struct {
	Data any `json:"data"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

const maxRequestBytes = 1 << 20

// Handler serves m. GET returns the module document, POST resolves a root
// field. Failures are confined to the request.
func Handler(m *Module) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, m.Document())
		case http.MethodPost:
			serveQuery(w, r, m)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		}
	})
}

func serveQuery(w http.ResponseWriter, r *http.Request, m *Module) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	req.Field = strings.TrimSpace(req.Field)
	if req.Field == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "field is required"})
		return
	}

	resolve, ok := m.Resolver(req.Field)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown field", Field: req.Field})
		return
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	data, err := safeResolve(r, resolve, req.Args)
	if err != nil {
		log.Printf("[Federation] %s.%s failed: %v", m.Name, req.Field, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Field: req.Field})
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: data})
}

func safeResolve(r *http.Request, resolve Resolver, args map[string]any) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resolver panic: %v", rec)
		}
	}()
	return resolve(r.Context(), args)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Federation] encode response: %v", err)
	}
}
