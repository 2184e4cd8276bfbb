package federation

import (
	"context"
	"sort"

	"github.com/nupi-ai/hostd/internal/schema"
)

// Kind tells query modules from procedure modules.
type Kind string

const (
	KindQuery     Kind = "query"
	KindProcedure Kind = "procedure"
)

// Arg is an argument accepted by a root field.
type Arg struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Field is a member of an object type or of the root.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	List     bool   `json:"list,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
	Args     []Arg  `json:"args,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Type is a named object type.
type Type struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Resolver answers a root field.
type Resolver func(ctx context.Context, args map[string]any) (any, error)

// Executor runs statements against a database worker.
type Executor interface {
	ExecuteQuery(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	ExecuteProcedure(ctx context.Context, routine schema.Routine, args map[string]any) ([]map[string]any, error)
}

// Module is the generated query surface of one (builder, database) pair.
type Module struct {
	Name string
	Kind Kind

	types     []Type
	typeIndex map[string]int
	root      []Field
	rootIndex map[string]int
	resolvers map[string]Resolver
}

// NewModule returns an empty module.
func NewModule(name string, kind Kind) *Module {
	return &Module{
		Name:      name,
		Kind:      kind,
		typeIndex: make(map[string]int),
		rootIndex: make(map[string]int),
		resolvers: make(map[string]Resolver),
	}
}

// AddType registers t. Fields of an already known type are appended when
// missing; existing fields are never replaced. Within t the first field of a
// name wins.
func (m *Module) AddType(t Type) {
	i, ok := m.typeIndex[t.Name]
	if !ok {
		i = len(m.types)
		m.typeIndex[t.Name] = i
		m.types = append(m.types, Type{Name: t.Name})
	}
	existing := &m.types[i]
	have := make(map[string]struct{}, len(existing.Fields))
	for _, f := range existing.Fields {
		have[f.Name] = struct{}{}
	}
	for _, f := range t.Fields {
		if _, dup := have[f.Name]; dup {
			continue
		}
		existing.Fields = append(existing.Fields, f)
		have[f.Name] = struct{}{}
	}
}

// AddRoot registers a root field and its resolver. It returns false, and
// changes nothing, when the name is taken.
func (m *Module) AddRoot(f Field, r Resolver) bool {
	if _, ok := m.rootIndex[f.Name]; ok {
		return false
	}
	m.rootIndex[f.Name] = len(m.root)
	m.root = append(m.root, f)
	if r != nil {
		m.resolvers[f.Name] = r
	}
	return true
}

// Types returns the object types in registration order.
func (m *Module) Types() []Type {
	out := make([]Type, len(m.types))
	copy(out, m.types)
	return out
}

// Type returns the named type.
func (m *Module) Type(name string) (Type, bool) {
	i, ok := m.typeIndex[name]
	if !ok {
		return Type{}, false
	}
	return m.types[i], true
}

// Root returns the root fields in registration order.
func (m *Module) Root() []Field {
	out := make([]Field, len(m.root))
	copy(out, m.root)
	return out
}

// RootField returns the named root field.
func (m *Module) RootField(name string) (Field, bool) {
	i, ok := m.rootIndex[name]
	if !ok {
		return Field{}, false
	}
	return m.root[i], true
}

// Resolver returns the resolver of a root field.
func (m *Module) Resolver(name string) (Resolver, bool) {
	r, ok := m.resolvers[name]
	return r, ok
}

// Document is the serialisable description of a module.
type Document struct {
	Name  string  `json:"name"`
	Kind  Kind    `json:"kind"`
	Types []Type  `json:"types"`
	Root  []Field `json:"root"`
}

// Document snapshots the module.
func (m *Module) Document() Document {
	return Document{Name: m.Name, Kind: m.Kind, Types: m.Types(), Root: m.Root()}
}

// MergePolicy orders modules before merging.
type MergePolicy int

const (
	// QueryBeforeProcedure merges every query module before any procedure
	// module, keeping relative order within each kind.
	QueryBeforeProcedure MergePolicy = iota
	// DeclarationOrder merges modules exactly as given.
	DeclarationOrder
)

// Merge folds modules into a single query module named name. Later modules
// only add types, fields and root fields; they never remove or overwrite
// what an earlier module contributed.
func Merge(name string, modules []*Module, policy MergePolicy) *Module {
	ordered := make([]*Module, 0, len(modules))
	for _, m := range modules {
		if m != nil {
			ordered = append(ordered, m)
		}
	}
	if policy == QueryBeforeProcedure {
		sort.SliceStable(ordered, func(i, j int) bool {
			return kindRank(ordered[i].Kind) < kindRank(ordered[j].Kind)
		})
	}

	out := NewModule(name, KindQuery)
	for _, m := range ordered {
		for _, t := range m.types {
			out.AddType(t)
		}
		for _, f := range m.root {
			out.AddRoot(f, m.resolvers[f.Name])
		}
	}
	return out
}

func kindRank(k Kind) int {
	if k == KindProcedure {
		return 1
	}
	return 0
}
