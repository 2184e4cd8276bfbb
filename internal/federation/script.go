package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/dop251/goja"

	"github.com/nupi-ai/hostd/internal/schema"
)

// FromSource evaluates a CommonJS style module document and returns the
// query module it describes, plus a procedure module when the document has a
// "procedures" section.
//
//	module.exports = {
//	  types: [{name: "Widget", fields: [{name: "id", type: "integer"}]}],
//	  root: [
//	    {name: "widgets", type: "Widget", list: true, sql: "SELECT * FROM widgets"},
//	    {name: "count", type: "integer", resolve: function (args, db) { ... }},
//	  ],
//	  procedures: {root: [{name: "refresh", type: "Result", procedure: "refresh_stats"}]},
//	};
//
// Resolvers backed by JS functions share one runtime and are serialised.
func FromSource(name, source string, exec Executor, routines []schema.Routine) ([]*Module, error) {
	vm := goja.New()
	exports := vm.NewObject()
	module := vm.NewObject()
	_ = module.Set("exports", exports)
	vm.Set("module", module)
	vm.Set("exports", exports)

	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("federation: evaluate %s: %w", name, err)
	}
	if v := module.Get("exports"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		exports = v.ToObject(vm)
	}

	sm := &scriptModule{vm: vm, exec: exec, routines: make(map[string]schema.Routine, len(routines))}
	for _, r := range routines {
		sm.routines[r.Name] = r
	}

	query, err := sm.buildModule(name, KindQuery, exports)
	if err != nil {
		return nil, err
	}
	modules := []*Module{query}

	if v := exports.Get("procedures"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		proc, err := sm.buildModule(name+"#procedures", KindProcedure, v.ToObject(vm))
		if err != nil {
			return nil, err
		}
		modules = append(modules, proc)
	}
	return modules, nil
}

type scriptModule struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	exec     Executor
	routines map[string]schema.Routine
}

func (s *scriptModule) buildModule(name string, kind Kind, obj *goja.Object) (*Module, error) {
	m := NewModule(name, kind)

	if v := obj.Get("types"); v != nil && !goja.IsUndefined(v) {
		var types []Type
		if err := reencode(v.Export(), &types); err != nil {
			return nil, fmt.Errorf("federation: %s: decode types: %w", name, err)
		}
		for _, t := range types {
			if t.Name == "" {
				return nil, fmt.Errorf("federation: %s: type without name", name)
			}
			m.AddType(t)
		}
	}

	rootVal := obj.Get("root")
	if rootVal == nil || goja.IsUndefined(rootVal) {
		return m, nil
	}
	root := rootVal.ToObject(s.vm)
	length := int(root.Get("length").ToInteger())
	for i := 0; i < length; i++ {
		item := root.Get(strconv.Itoa(i)).ToObject(s.vm)
		field, err := fieldFromObject(item)
		if err != nil {
			return nil, fmt.Errorf("federation: %s: root[%d]: %w", name, i, err)
		}
		resolver, err := s.resolverFor(item, field)
		if err != nil {
			return nil, fmt.Errorf("federation: %s: root field %q: %w", name, field.Name, err)
		}
		m.AddRoot(field, resolver)
	}
	return m, nil
}

func (s *scriptModule) resolverFor(item *goja.Object, field Field) (Resolver, error) {
	if fn, ok := goja.AssertFunction(item.Get("resolve")); ok {
		return func(ctx context.Context, args map[string]any) (any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			out, err := fn(goja.Undefined(), s.vm.ToValue(args), s.dbObject(ctx))
			if err != nil {
				return nil, err
			}
			return out.Export(), nil
		}, nil
	}

	if sql := stringProp(item, "sql"); sql != "" {
		return func(ctx context.Context, args map[string]any) (any, error) {
			params := make([]any, 0, len(field.Args))
			for _, a := range field.Args {
				v, ok := args[a.Name]
				if !ok && a.Required {
					return nil, fmt.Errorf("missing required argument %q", a.Name)
				}
				params = append(params, v)
			}
			return s.exec.ExecuteQuery(ctx, sql, params...)
		}, nil
	}

	if proc := stringProp(item, "procedure"); proc != "" {
		routine, ok := s.routines[proc]
		if !ok {
			routine = schema.Routine{Name: proc, Kind: schema.RoutineProcedure}
		}
		return func(ctx context.Context, args map[string]any) (any, error) {
			return s.exec.ExecuteProcedure(ctx, routine, args)
		}, nil
	}

	return nil, fmt.Errorf("no resolve, sql or procedure")
}

// dbObject exposes the executor to JS resolvers. Errors surface as JS
// exceptions.
func (s *scriptModule) dbObject(ctx context.Context) goja.Value {
	db := s.vm.NewObject()
	_ = db.Set("query", func(sql string, args ...any) ([]map[string]any, error) {
		return s.exec.ExecuteQuery(ctx, sql, args...)
	})
	_ = db.Set("procedure", func(name string, args map[string]any) ([]map[string]any, error) {
		routine, ok := s.routines[name]
		if !ok {
			routine = schema.Routine{Name: name, Kind: schema.RoutineProcedure}
		}
		return s.exec.ExecuteProcedure(ctx, routine, args)
	})
	return db
}

func fieldFromObject(obj *goja.Object) (Field, error) {
	f := Field{
		Name:     stringProp(obj, "name"),
		Type:     stringProp(obj, "type"),
		List:     boolProp(obj, "list"),
		Nullable: boolProp(obj, "nullable"),
		Source:   stringProp(obj, "source"),
	}
	if f.Name == "" {
		return f, fmt.Errorf("field without name")
	}
	if v := obj.Get("args"); v != nil && !goja.IsUndefined(v) {
		if err := reencode(v.Export(), &f.Args); err != nil {
			return f, fmt.Errorf("decode args: %w", err)
		}
	}
	return f, nil
}

func stringProp(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func boolProp(obj *goja.Object, key string) bool {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) {
		return false
	}
	return v.ToBoolean()
}

func reencode(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
