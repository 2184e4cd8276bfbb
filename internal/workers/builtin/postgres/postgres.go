// Package postgres registers the builtin:postgres database worker.
package postgres

import (
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/nupi-ai/hostd/internal/schema"
	"github.com/nupi-ai/hostd/internal/workers"
	"github.com/nupi-ai/hostd/internal/workers/builtin/sqldb"
)

// Location is the import reference of this worker.
const Location = "builtin:postgres"

// Dialect describes PostgreSQL.
var Dialect = sqldb.Dialect{
	Name:   "postgres",
	Driver: "pgx",
	Quote:  sqldb.DoubleQuote,
	Bind:   sqldb.Dollar,
	Call:   call,
}

func call(routine schema.Routine, quote func(string) string, placeholders []string) string {
	target := sqldb.QualifiedName(routine.Schema, routine.Name, quote) + "(" + strings.Join(placeholders, ", ") + ")"
	if routine.Kind == schema.RoutineProcedure {
		return "CALL " + target
	}
	return "SELECT * FROM " + target
}

// New returns an unconnected PostgreSQL worker.
func New(opts ...sqldb.Option) *sqldb.Worker {
	return sqldb.New(Dialect, opts...)
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}
