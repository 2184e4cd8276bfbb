package workers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/federation"
	"github.com/nupi-ai/hostd/internal/schema"
)

// Type names a capability contract.
type Type string

const (
	TypeDatabase     Type = "database"
	TypeConfig       Type = "config"
	TypeRestEndpoint Type = "rest"
	TypeGraphBuild   Type = "graph"
	TypeLog          Type = "log"
)

// Section is the lifecycle section a worker was loaded in.
type Section int

const (
	SectionBoot Section = iota
	SectionConfig
	SectionCore
	SectionUser
)

func (s Section) String() string {
	switch s {
	case SectionBoot:
		return "boot"
	case SectionConfig:
		return "config"
	case SectionCore:
		return "core"
	case SectionUser:
		return "user"
	default:
		return fmt.Sprintf("section(%d)", int(s))
	}
}

// Worker is implemented by every worker.
type Worker interface {
	Init(ctx context.Context, name string, metadata map[string]any) error
}

// EnvAware workers receive the process-wide environment before Init.
type EnvAware interface {
	SetEnv(env config.Environment)
}

// RegistryAware workers receive a registry handle once their whole batch
// is loaded.
type RegistryAware interface {
	SetRegistry(l Lookup)
}

// Closer workers release resources when the registry is closed.
type Closer interface {
	Close(ctx context.Context) error
}

// DatabaseWorker exposes a database to the schema pipeline.
type DatabaseWorker interface {
	Worker
	schema.Source
	federation.Executor
}

// Dialect is optionally implemented by database workers so builders can
// generate statements.
type Dialect interface {
	QuoteIdent(name string) string
	Placeholder(n int) string
}

// ConfigWorker persists the ServerConfig.
type ConfigWorker interface {
	Worker
	Get(ctx context.Context) (config.ServerConfig, error)
	Set(ctx context.Context, cfg config.ServerConfig) (bool, error)
}

// ConfigWatcher is optionally implemented by config workers whose backing
// document can change outside the host. Each receive is one new revision.
type ConfigWatcher interface {
	WatchConfig(ctx context.Context) (<-chan int64, error)
}

// RestRequest is the request handed to a REST endpoint worker.
type RestRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// RestResponse is returned by a REST endpoint worker. Body is encoded as
// JSON unless it is a []byte or string.
type RestResponse struct {
	Status  int
	Headers map[string]string
	Body    any
}

// RestEndpointWorker serves a mounted HTTP route.
type RestEndpointWorker interface {
	Worker
	Execute(ctx context.Context, req RestRequest) (RestResponse, error)
	// APIDocFragment returns the worker's API documentation or nil.
	APIDocFragment() map[string]any
}

// GraphBuildWorker derives query modules from database schemas.
type GraphBuildWorker interface {
	Worker
	federation.Builder
}

// LogWorker receives host log lines.
type LogWorker interface {
	Worker
	Write(level, message string)
}

// CheckContract verifies that w implements the contract of typ.
func CheckContract(typ Type, w Worker) error {
	var ok bool
	switch typ {
	case TypeDatabase:
		_, ok = w.(DatabaseWorker)
	case TypeConfig:
		_, ok = w.(ConfigWorker)
	case TypeRestEndpoint:
		_, ok = w.(RestEndpointWorker)
	case TypeGraphBuild:
		_, ok = w.(GraphBuildWorker)
	case TypeLog:
		_, ok = w.(LogWorker)
	default:
		return fmt.Errorf("workers: unknown worker type %q", typ)
	}
	if !ok {
		return fmt.Errorf("workers: %T does not implement the %s contract", w, typ)
	}
	return nil
}
