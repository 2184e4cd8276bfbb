package federation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nupi-ai/hostd/internal/schema"
)

// BuildResult is what a builder produces: ready modules, or JS source that
// evaluates to a module document.
type BuildResult struct {
	Modules []*Module
	Source  string
}

// Builder turns one database schema into query modules.
type Builder interface {
	BuildDatabaseWorkerSchema(ctx context.Context, dbName string, db Executor, s schema.ConnectionSchema) (BuildResult, error)
}

// ErrEmptyBuild is returned when a builder yields neither modules nor source.
var ErrEmptyBuild = errors.New("federation: builder returned no module")

// Federator runs builders and merges their output.
type Federator struct {
	policy MergePolicy
	logger *log.Logger
}

// Option configures a Federator.
type Option func(*Federator)

// WithPolicy overrides the merge policy.
func WithPolicy(p MergePolicy) Option {
	return func(f *Federator) { f.policy = p }
}

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) Option {
	return func(f *Federator) {
		if l != nil {
			f.logger = l
		}
	}
}

// New returns a federator using QueryBeforeProcedure.
func New(opts ...Option) *Federator {
	f := &Federator{policy: QueryBeforeProcedure, logger: log.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build asks builder for the modules of dbName and merges them into one.
func (f *Federator) Build(ctx context.Context, builderName string, builder Builder, dbName string, db Executor, s schema.ConnectionSchema) (*Module, error) {
	if builder == nil {
		return nil, fmt.Errorf("federation: builder %q is nil", builderName)
	}
	result, err := builder.BuildDatabaseWorkerSchema(ctx, dbName, db, s)
	if err != nil {
		return nil, fmt.Errorf("federation: %s/%s: %w", builderName, dbName, err)
	}

	modules := result.Modules
	if result.Source != "" {
		evaluated, err := FromSource(builderName+"/"+dbName, result.Source, db, s.GroupRoutines())
		if err != nil {
			return nil, err
		}
		modules = append(modules, evaluated...)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrEmptyBuild, builderName, dbName)
	}

	merged := Merge(builderName+"/"+dbName, modules, f.policy)
	f.logger.Printf("[Federation] %s/%s: %d types, %d root fields", builderName, dbName, len(merged.types), len(merged.root))
	return merged, nil
}
