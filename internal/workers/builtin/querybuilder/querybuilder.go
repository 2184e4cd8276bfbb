// Package querybuilder registers builtin:querybuilder, the default graph
// build worker. It exposes one list field per table and one field per
// stored routine.
package querybuilder

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/federation"
	"github.com/nupi-ai/hostd/internal/schema"
	"github.com/nupi-ai/hostd/internal/workers"
	"github.com/nupi-ai/hostd/internal/workers/builtin/sqldb"
)

// Location is the import reference of this worker.
const Location = "builtin:querybuilder"

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	argLimit   = "_limit"
	argOffset  = "_offset"
	argInclude = "_include"
)

func isControlArg(name string) bool {
	return name == argLimit || name == argOffset || name == argInclude
}

// Builder derives query modules from connection schemas.
type Builder struct {
	name         string
	defaultLimit int
}

// New returns a builder with default limits.
func New() *Builder {
	return &Builder{defaultLimit: DefaultLimit}
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}

// Init reads metadata.defaultLimit.
func (b *Builder) Init(_ context.Context, name string, metadata map[string]any) error {
	b.name = name
	cfg := config.WorkerConfig{Metadata: metadata}
	if raw := cfg.MetadataString("defaultLimit", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxLimit {
			return fmt.Errorf("querybuilder: %s: defaultLimit must be within 1..%d", name, MaxLimit)
		}
		b.defaultLimit = n
	}
	return nil
}

// BuildDatabaseWorkerSchema returns a query module for the tables of s and a
// procedure module for its routines.
func (b *Builder) BuildDatabaseWorkerSchema(_ context.Context, dbName string, db federation.Executor, s schema.ConnectionSchema) (federation.BuildResult, error) {
	if db == nil {
		return federation.BuildResult{}, fmt.Errorf("querybuilder: database %q is nil", dbName)
	}
	quote, bind := dialectOf(db)
	tables := s.GroupTables()

	byName := make(map[[2]string]*schema.Table, len(tables))
	for i := range tables {
		byName[[2]string{tables[i].Schema, tables[i].Name}] = &tables[i]
	}

	query := federation.NewModule(dbName, federation.KindQuery)
	for i := range tables {
		t := &tables[i]
		tq := tableQuery{table: t, byName: byName, db: db, quote: quote, bind: bind, defaultLimit: b.defaultLimit}
		rels, err := relationsOf(t)
		if err != nil {
			return federation.BuildResult{}, fmt.Errorf("querybuilder: %s: %w", dbName, err)
		}
		tq.relations = rels
		query.AddType(tq.objectType())
		if !query.AddRoot(tq.rootField(), tq.resolve) {
			return federation.BuildResult{}, fmt.Errorf("querybuilder: %s: duplicate root field %q (set ignoreSchema=false to disambiguate)", dbName, t.Entity)
		}
	}

	procs := federation.NewModule(dbName+"#procedures", federation.KindProcedure)
	for _, r := range s.GroupRoutines() {
		routine := r
		field := federation.Field{Name: routine.Entity, Type: returnType(routine), List: true, Source: routine.Name}
		for _, p := range routine.Params {
			if strings.EqualFold(p.ParamMode, "OUT") {
				continue
			}
			field.Args = append(field.Args, federation.Arg{Name: schema.Normalize(p.ParamName), Type: p.ParamType})
		}
		procs.AddRoot(field, func(ctx context.Context, args map[string]any) (any, error) {
			return db.ExecuteProcedure(ctx, routine, args)
		})
	}

	return federation.BuildResult{Modules: []*federation.Module{query, procs}}, nil
}

func returnType(r schema.Routine) string {
	if r.ReturnType == "" {
		return "Result"
	}
	return r.ReturnType
}

func dialectOf(db federation.Executor) (func(string) string, func(int) string) {
	if d, ok := db.(workers.Dialect); ok {
		return d.QuoteIdent, d.Placeholder
	}
	return sqldb.DoubleQuote, sqldb.QuestionMark
}

type tableQuery struct {
	table        *schema.Table
	byName       map[[2]string]*schema.Table
	db           federation.Executor
	quote        func(string) string
	bind         func(int) string
	defaultLimit int
	relations    []relation
}

// relation is an object field that follows the foreign key of column.
type relation struct {
	name   string
	column *schema.TableSchema
}

// relationsOf names the relation fields of t. A relation takes the entity
// name of its target table unless the table is referenced by more than one
// column; it is then named after the column ("senderId" becomes "sender",
// or "senderIdUsers" when that is taken).
func relationsOf(t *schema.Table) ([]relation, error) {
	taken := make(map[string]struct{}, len(t.Columns))
	targets := make(map[[2]string]int)
	for _, c := range t.Columns {
		if isControlArg(c.EntityColumnName) {
			return nil, fmt.Errorf("table %q: column %q collides with reserved argument %q", t.Name, c.ColumnName, c.EntityColumnName)
		}
		taken[c.EntityColumnName] = struct{}{}
		if fk := c.ForeignKey; fk != nil {
			targets[[2]string{fk.Schema, fk.Table}]++
		}
	}

	var out []relation
	for i := range t.Columns {
		c := &t.Columns[i]
		fk := c.ForeignKey
		if fk == nil {
			continue
		}
		name := c.FKEntityName
		if targets[[2]string{fk.Schema, fk.Table}] > 1 {
			name = strings.TrimSuffix(c.EntityColumnName, "Id")
			if name == "" || name == c.EntityColumnName {
				name = c.EntityColumnName + c.FKEntityPascal
			}
		}
		if _, dup := taken[name]; dup {
			name = c.EntityColumnName + c.FKEntityPascal
		}
		if _, dup := taken[name]; dup {
			return nil, fmt.Errorf("table %q: relation of column %q collides with field %q", t.Name, c.ColumnName, name)
		}
		taken[name] = struct{}{}
		out = append(out, relation{name: name, column: c})
	}
	return out, nil
}

func (q tableQuery) objectType() federation.Type {
	t := federation.Type{Name: q.table.Pascal}
	for _, c := range q.table.Columns {
		t.Fields = append(t.Fields, federation.Field{Name: c.EntityColumnName, Type: c.ColumnType, Nullable: c.Nullable, Source: c.ColumnName})
	}
	for _, rel := range q.relations {
		t.Fields = append(t.Fields, federation.Field{Name: rel.name, Type: rel.column.FKEntityPascal, Nullable: true, Source: rel.column.ColumnName})
	}
	return t
}

func (q tableQuery) rootField() federation.Field {
	f := federation.Field{Name: q.table.Entity, Type: q.table.Pascal, List: true, Source: q.table.Name}
	for _, c := range q.table.Columns {
		f.Args = append(f.Args, federation.Arg{Name: c.EntityColumnName, Type: c.ColumnType})
	}
	f.Args = append(f.Args,
		federation.Arg{Name: argLimit, Type: "integer"},
		federation.Arg{Name: argOffset, Type: "integer"},
		federation.Arg{Name: argInclude, Type: "[string]"},
	)
	return f
}

func (q tableQuery) selectList(t *schema.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = q.quote(c.ColumnName) + " AS " + q.quote(c.EntityColumnName)
	}
	return strings.Join(cols, ", ")
}

func (q tableQuery) resolve(ctx context.Context, args map[string]any) (any, error) {
	limit, err := intArg(args, argLimit, q.defaultLimit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxLimit {
		return nil, fmt.Errorf("%s must be within 1..%d", argLimit, MaxLimit)
	}
	offset, err := intArg(args, argOffset, 0)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("%s must not be negative", argOffset)
	}
	include, err := stringsArg(args, argInclude)
	if err != nil {
		return nil, err
	}

	byEntity := make(map[string]schema.TableSchema, len(q.table.Columns))
	for _, c := range q.table.Columns {
		byEntity[c.EntityColumnName] = c
	}

	var (
		where  []string
		values []any
	)
	for _, c := range q.table.Columns {
		v, ok := args[c.EntityColumnName]
		if !ok {
			continue
		}
		values = append(values, v)
		where = append(where, q.quote(c.ColumnName)+" = "+q.bind(len(values)))
	}
	for key := range args {
		if _, ok := byEntity[key]; ok || isControlArg(key) {
			continue
		}
		return nil, fmt.Errorf("unknown argument %q", key)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(q.selectList(q.table))
	sb.WriteString(" FROM ")
	sb.WriteString(sqldb.QualifiedName(q.table.Schema, q.table.Name, q.quote))
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", limit, offset)

	rows, err := q.db.ExecuteQuery(ctx, sb.String(), values...)
	if err != nil {
		return nil, err
	}
	for _, rel := range include {
		if err := q.attach(ctx, rows, rel); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// attach loads the row referenced by relation rel for every row.
func (q tableQuery) attach(ctx context.Context, rows []map[string]any, rel string) error {
	var fkCol *schema.TableSchema
	for _, r := range q.relations {
		if r.name == rel {
			fkCol = r.column
			break
		}
	}
	if fkCol == nil {
		return fmt.Errorf("unknown relation %q", rel)
	}

	fk := fkCol.ForeignKey
	selectList := "*"
	if target, ok := q.byName[[2]string{fk.Schema, fk.Table}]; ok {
		selectList = q.selectList(target)
	}
	statement := "SELECT " + selectList + " FROM " + sqldb.QualifiedName(fk.Schema, fk.Table, q.quote) +
		" WHERE " + q.quote(fk.Column) + " = " + q.bind(1) + " LIMIT 1"

	for _, row := range rows {
		key := row[fkCol.EntityColumnName]
		if key == nil {
			row[rel] = nil
			continue
		}
		related, err := q.db.ExecuteQuery(ctx, statement, key)
		if err != nil {
			return fmt.Errorf("relation %q: %w", rel, err)
		}
		if len(related) == 0 {
			row[rel] = nil
			continue
		}
		row[rel] = related[0]
	}
	return nil
}

func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%s must be an integer", key)
}

func stringsArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch s := v.(type) {
	case string:
		return []string{s}, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", key)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be a list of strings", key)
}
