// Package sqldb implements the database worker contract on top of
// database/sql. Dialect packages (postgres, mysql, sqlite) register
// configured instances with the worker factory table.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/schema"
)

const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 2
	DefaultConnMaxLifetime = 5 * time.Minute
	pingTimeout            = 10 * time.Second
)

// ErrNotConnected is returned when the worker is used before Init.
var ErrNotConnected = errors.New("sqldb: not connected")

// ErrProceduresUnsupported is returned by dialects without stored routines.
var ErrProceduresUnsupported = errors.New("sqldb: procedures not supported by dialect")

// Dialect captures what differs between SQL databases.
type Dialect struct {
	// Name selects the built-in introspection queries.
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// Quote quotes an identifier.
	Quote func(ident string) string
	// Bind returns the n-th (1-based) placeholder.
	Bind func(n int) string
	// Call builds the statement invoking routine with the given
	// placeholders. Nil means routines are unsupported.
	Call func(routine schema.Routine, quote func(string) string, placeholders []string) string
}

// DoubleQuote quotes ANSI style.
func DoubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Backtick quotes MySQL style.
func Backtick(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// QuestionMark binds every parameter as '?'.
func QuestionMark(int) string { return "?" }

// Dollar binds parameters as $1, $2, ...
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Worker is a database worker backed by *sql.DB.
type Worker struct {
	dialect Dialect
	queries *schema.QuerySource
	opener  func(driver, dsn string) (*sql.DB, error)
	logger  *log.Logger

	name            string
	env             config.Environment
	db              *sql.DB
	tablesQuery     string
	proceduresQuery string
}

// Option configures a Worker.
type Option func(*Worker)

// WithDB injects an already open handle. Init then skips opening and
// pinging a connection.
func WithDB(db *sql.DB) Option {
	return func(w *Worker) { w.db = db }
}

// WithQuerySource overrides where introspection SQL is read from.
func WithQuerySource(q *schema.QuerySource) Option {
	return func(w *Worker) { w.queries = q }
}

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New returns an unconnected worker for d.
func New(d Dialect, opts ...Option) *Worker {
	w := &Worker{
		dialect: d,
		queries: schema.NewQuerySource(),
		opener:  sql.Open,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetEnv stores the environment used to expand ${VAR} references in the
// DSN.
func (w *Worker) SetEnv(env config.Environment) {
	w.env = env
}

// Init loads the introspection queries and connects.
//
// Metadata: dsn (required unless a handle was injected), tablesQuery and
// proceduresQuery (override files), maxOpenConns, maxIdleConns.
func (w *Worker) Init(ctx context.Context, name string, metadata map[string]any) error {
	w.name = name
	cfg := config.WorkerConfig{Name: name, Metadata: metadata}

	var err error
	w.tablesQuery, err = w.queries.Load(w.dialect.Name, schema.QueryTables, cfg.MetadataString("tablesQuery", ""))
	if err != nil {
		return fmt.Errorf("sqldb: %s: %w", name, err)
	}
	w.proceduresQuery, err = w.queries.Load(w.dialect.Name, schema.QueryProcedures, cfg.MetadataString("proceduresQuery", ""))
	if err != nil {
		return fmt.Errorf("sqldb: %s: %w", name, err)
	}

	if w.db != nil {
		return nil
	}

	dsn := w.expand(cfg.MetadataString("dsn", ""))
	if dsn == "" {
		return fmt.Errorf("sqldb: %s: metadata.dsn is required", name)
	}
	db, err := w.opener(w.dialect.Driver, dsn)
	if err != nil {
		return fmt.Errorf("sqldb: %s: open: %w", name, err)
	}

	db.SetMaxOpenConns(metadataInt(metadata, "maxOpenConns", DefaultMaxOpenConns))
	db.SetMaxIdleConns(metadataInt(metadata, "maxIdleConns", DefaultMaxIdleConns))
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqldb: %s: ping: %w", name, err)
	}

	w.db = db
	w.logger.Printf("[Database] %s connected (%s)", name, w.dialect.Name)
	return nil
}

func (w *Worker) expand(s string) string {
	return os.Expand(s, func(key string) string {
		return w.env.String(key, os.Getenv(key))
	})
}

func metadataInt(metadata map[string]any, key string, def int) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// DB exposes the underlying handle.
func (w *Worker) DB() *sql.DB { return w.db }

// QuoteIdent quotes an identifier for the dialect.
func (w *Worker) QuoteIdent(name string) string { return w.dialect.Quote(name) }

// Placeholder returns the n-th (1-based) bind placeholder.
func (w *Worker) Placeholder(n int) string { return w.dialect.Bind(n) }

// GetSchema runs the introspection queries.
func (w *Worker) GetSchema(ctx context.Context) (schema.ConnectionSchema, error) {
	if w.db == nil {
		return schema.ConnectionSchema{}, ErrNotConnected
	}
	tables, err := w.scanTables(ctx)
	if err != nil {
		return schema.ConnectionSchema{}, fmt.Errorf("sqldb: %s: tables: %w", w.name, err)
	}
	procs, err := w.scanProcedures(ctx)
	if err != nil {
		return schema.ConnectionSchema{}, fmt.Errorf("sqldb: %s: procedures: %w", w.name, err)
	}
	return schema.ConnectionSchema{Tables: tables, Procedures: procs}, nil
}

func (w *Worker) scanTables(ctx context.Context) ([]schema.TableSchema, error) {
	rows, err := w.db.QueryContext(ctx, w.tablesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.TableSchema
	for rows.Next() {
		var (
			row                    schema.TableSchema
			colType                sql.NullString
			fkSchema, fkTable, fkC sql.NullString
		)
		if err := rows.Scan(&row.SchemaName, &row.TableName, &row.ColumnName, &colType,
			&row.Nullable, &row.PrimaryKey, &row.Unique, &fkSchema, &fkTable, &fkC); err != nil {
			return nil, err
		}
		row.ColumnType = colType.String
		if fkTable.Valid && fkTable.String != "" {
			row.ForeignKey = &schema.ForeignKey{Schema: fkSchema.String, Table: fkTable.String, Column: fkC.String}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (w *Worker) scanProcedures(ctx context.Context) ([]schema.ProcFunctionSchema, error) {
	rows, err := w.db.QueryContext(ctx, w.proceduresQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.ProcFunctionSchema
	for rows.Next() {
		var (
			row  schema.ProcFunctionSchema
			kind string
		)
		if err := rows.Scan(&row.SchemaName, &row.RoutineName, &kind, &row.ReturnType,
			&row.ParamName, &row.ParamType, &row.ParamMode, &row.Position); err != nil {
			return nil, err
		}
		row.Kind = schema.RoutineKind(strings.ToLower(kind))
		out = append(out, row)
	}
	return out, rows.Err()
}

// ExecuteQuery runs statement and returns every row as a column map.
func (w *Worker) ExecuteQuery(ctx context.Context, statement string, args ...any) ([]map[string]any, error) {
	if w.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := w.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("sqldb: %s: query: %w", w.name, err)
	}
	defer rows.Close()
	return ScanMaps(rows)
}

// ExecuteProcedure invokes routine, binding args by parameter name in
// parameter order.
func (w *Worker) ExecuteProcedure(ctx context.Context, routine schema.Routine, args map[string]any) ([]map[string]any, error) {
	if w.dialect.Call == nil {
		return nil, ErrProceduresUnsupported
	}
	var (
		values       []any
		placeholders []string
	)
	for _, p := range routine.Params {
		if strings.EqualFold(p.ParamMode, "OUT") {
			continue
		}
		v, ok := args[p.ParamName]
		if !ok {
			v = args[schema.Normalize(p.ParamName)]
		}
		values = append(values, v)
		placeholders = append(placeholders, w.dialect.Bind(len(values)))
	}
	return w.ExecuteQuery(ctx, w.dialect.Call(routine, w.dialect.Quote, placeholders), values...)
}

// Close closes the connection pool.
func (w *Worker) Close(context.Context) error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

// ScanMaps reads every remaining row into a column map. Byte slices are
// returned as strings.
func ScanMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QualifiedName quotes and joins schema and name, skipping an empty schema.
func QualifiedName(schemaName, name string, quote func(string) string) string {
	if schemaName == "" {
		return quote(name)
	}
	return quote(schemaName) + "." + quote(name)
}
