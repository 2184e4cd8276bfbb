package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"strings"
)

//go:embed queries/*/*.sql
var embeddedQueries embed.FS

// ErrQueryFileMissing is returned when neither an override nor a built-in
// default query exists.
var ErrQueryFileMissing = errors.New("schema: query file missing")

// QueryKind names an introspection query.
type QueryKind string

const (
	QueryTables     QueryKind = "tables"
	QueryProcedures QueryKind = "procedures"
)

// QuerySource loads introspection SQL for a dialect. Overrides are read
// from disk; defaults come from Defaults.
type QuerySource struct {
	Defaults fs.FS
	Logger   *log.Logger
}

// NewQuerySource returns a source backed by the built-in queries.
func NewQuerySource() *QuerySource {
	sub, err := fs.Sub(embeddedQueries, "queries")
	if err != nil {
		panic(fmt.Sprintf("schema: embedded queries: %v", err))
	}
	return &QuerySource{Defaults: sub, Logger: log.Default()}
}

// Load returns the SQL for (dialect, kind). A declared override that cannot
// be read falls back to the default with a warning.
func (q *QuerySource) Load(dialect string, kind QueryKind, override string) (string, error) {
	logger := q.Logger
	if logger == nil {
		logger = log.Default()
	}

	if override = strings.TrimSpace(override); override != "" {
		data, err := os.ReadFile(override)
		if err == nil {
			return string(data), nil
		}
		logger.Printf("[Schema] WARNING: %s query override %s unavailable (%v), using built-in %s default", kind, override, err, dialect)
	}

	if q.Defaults == nil {
		return "", fmt.Errorf("%w: %s/%s (no defaults)", ErrQueryFileMissing, dialect, kind)
	}
	name := path.Join(dialect, string(kind)+".sql")
	data, err := fs.ReadFile(q.Defaults, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrQueryFileMissing, name)
		}
		return "", fmt.Errorf("schema: read default %s: %w", name, err)
	}
	return string(data), nil
}
