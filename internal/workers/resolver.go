package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrModuleNotFound is matched by every ResolveError.
var ErrModuleNotFound = errors.New("workers: module not found")

// Factory builds a fresh worker instance.
type Factory func() Worker

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a built-in worker available under location. It is
// meant to be called from init and panics on duplicates or a nil factory.
func RegisterFactory(location string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("workers: RegisterFactory factory is nil")
	}
	if _, dup := factories[location]; dup {
		panic("workers: RegisterFactory called twice for " + location)
	}
	factories[location] = factory
}

// Factories returns the registered built-in locations, sorted.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Strategy is one way of turning a location into a worker. A nil worker
// with a nil error means the strategy does not know the location; candidates
// lists what it tried.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, location string) (w Worker, candidates []string, err error)
}

// ResolveError reports a location no strategy could resolve.
type ResolveError struct {
	Worker   string
	Location string
	Attempts []string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("workers: module not found: worker %q at %q (tried %s)", e.Worker, e.Location, strings.Join(e.Attempts, ", "))
}

// Is matches ErrModuleNotFound.
func (e *ResolveError) Is(target error) bool {
	return target == ErrModuleNotFound
}

// Resolver tries its strategies in order.
type Resolver struct {
	strategies []Strategy
}

// NewResolver returns a resolver over strategies. With none given the
// built-in factory table is used.
func NewResolver(strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = []Strategy{FactoryStrategy{}}
	}
	return &Resolver{strategies: strategies}
}

// Resolve instantiates the worker named name declared at location.
func (r *Resolver) Resolve(ctx context.Context, name, location string) (Worker, error) {
	var attempts []string
	for _, s := range r.strategies {
		w, candidates, err := s.Resolve(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("workers: resolve %q via %s: %w", name, s.Name(), err)
		}
		if w != nil {
			return w, nil
		}
		for _, c := range candidates {
			attempts = append(attempts, s.Name()+":"+c)
		}
	}
	return nil, &ResolveError{Worker: name, Location: location, Attempts: attempts}
}

// FactoryStrategy resolves locations registered through RegisterFactory.
type FactoryStrategy struct{}

func (FactoryStrategy) Name() string { return "builtin" }

func (FactoryStrategy) Resolve(_ context.Context, location string) (Worker, []string, error) {
	factoriesMu.RLock()
	factory, ok := factories[location]
	factoriesMu.RUnlock()
	if !ok {
		return nil, []string{location}, nil
	}
	return factory(), nil, nil
}
