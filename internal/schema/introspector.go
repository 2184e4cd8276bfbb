package schema

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

// ErrNothingToFederate is returned when a schema filter matches nothing the
// database reported.
var ErrNothingToFederate = errors.New("schema: nothing to federate")

// Source is implemented by database workers.
type Source interface {
	GetSchema(ctx context.Context) (ConnectionSchema, error)
}

// Options tunes a single introspection.
type Options struct {
	// IncludeSchemas restricts the result to the listed schema names. Empty
	// keeps everything.
	IncludeSchemas []string
	// IgnoreSchema drops the schema prefix from derived table names.
	IgnoreSchema bool
}

// Cache holds introspection results for one pipeline run, keyed by worker
// name.
type Cache struct {
	mu      sync.Mutex
	entries map[string]ConnectionSchema
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]ConnectionSchema)}
}

// Get returns the cached schema for name.
func (c *Cache) Get(name string) (ConnectionSchema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[name]
	return s, ok
}

// Put stores schema under name.
func (c *Cache) Put(name string, s ConnectionSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = s
}

// Len reports the number of cached schemas.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Introspector fetches and derives connection schemas.
type Introspector struct {
	cache  *Cache
	logger *log.Logger
}

// IntrospectorOption configures an Introspector.
type IntrospectorOption func(*Introspector)

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) IntrospectorOption {
	return func(i *Introspector) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIntrospector binds an introspector to cache. A nil cache disables
// caching.
func NewIntrospector(cache *Cache, opts ...IntrospectorOption) *Introspector {
	i := &Introspector{cache: cache, logger: log.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Introspect returns the derived schema of the named database worker. A
// schema already fetched during this run is returned from the cache.
func (i *Introspector) Introspect(ctx context.Context, name string, src Source, opts Options) (ConnectionSchema, error) {
	if i.cache != nil {
		if cached, ok := i.cache.Get(name); ok {
			return cached, nil
		}
	}
	if src == nil {
		return ConnectionSchema{}, fmt.Errorf("schema: database worker %q is nil", name)
	}

	raw, err := src.GetSchema(ctx)
	if err != nil {
		return ConnectionSchema{}, fmt.Errorf("schema: introspect %q: %w", name, err)
	}

	filtered, err := Filter(raw, opts.IncludeSchemas)
	if err != nil {
		return ConnectionSchema{}, fmt.Errorf("schema: introspect %q: %w", name, err)
	}

	derived := Derive(filtered, opts.IgnoreSchema)
	i.logger.Printf("[Schema] %s: %d column rows, %d routine rows", name, len(derived.Tables), len(derived.Procedures))

	if i.cache != nil {
		i.cache.Put(name, derived)
	}
	return derived, nil
}

// Filter keeps only rows whose schema is listed in include. It fails with
// ErrNothingToFederate when include is non-empty and matches nothing.
func Filter(s ConnectionSchema, include []string) (ConnectionSchema, error) {
	if len(include) == 0 {
		return s, nil
	}
	allowed := make(map[string]struct{}, len(include))
	for _, name := range include {
		allowed[strings.TrimSpace(name)] = struct{}{}
	}

	var out ConnectionSchema
	for _, t := range s.Tables {
		if _, ok := allowed[t.SchemaName]; ok {
			out.Tables = append(out.Tables, t)
		}
	}
	for _, p := range s.Procedures {
		if _, ok := allowed[p.SchemaName]; ok {
			out.Procedures = append(out.Procedures, p)
		}
	}
	if len(out.Tables) == 0 && len(out.Procedures) == 0 {
		return ConnectionSchema{}, fmt.Errorf("%w: schemas %v not found (database reports %v)", ErrNothingToFederate, include, s.Schemas())
	}
	return out, nil
}

// Derive returns a copy of s with every derived field recomputed from the
// raw fields.
func Derive(s ConnectionSchema, ignoreSchema bool) ConnectionSchema {
	out := ConnectionSchema{
		Tables:     make([]TableSchema, len(s.Tables)),
		Procedures: make([]ProcFunctionSchema, len(s.Procedures)),
	}
	for idx, row := range s.Tables {
		row.EntityColumnName = Normalize(row.ColumnName)
		row.TableEntityName, row.TableEntityPascal = TableNames(row.SchemaName, row.TableName, ignoreSchema)
		row.FKEntityName, row.FKEntityPascal = "", ""
		if row.ForeignKey != nil {
			fk := *row.ForeignKey
			row.ForeignKey = &fk
			row.FKEntityName, row.FKEntityPascal = TableNames(fk.Schema, fk.Table, ignoreSchema)
		}
		out.Tables[idx] = row
	}
	for idx, row := range s.Procedures {
		row.EntityName, row.EntityPascal = TableNames(row.SchemaName, row.RoutineName, ignoreSchema)
		out.Procedures[idx] = row
	}
	return out
}
