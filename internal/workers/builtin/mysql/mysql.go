// Package mysql registers the builtin:mysql database worker.
package mysql

import (
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver

	"github.com/nupi-ai/hostd/internal/schema"
	"github.com/nupi-ai/hostd/internal/workers"
	"github.com/nupi-ai/hostd/internal/workers/builtin/sqldb"
)

// Location is the import reference of this worker.
const Location = "builtin:mysql"

// Dialect describes MySQL and MariaDB.
var Dialect = sqldb.Dialect{
	Name:   "mysql",
	Driver: "mysql",
	Quote:  sqldb.Backtick,
	Bind:   sqldb.QuestionMark,
	Call:   call,
}

func call(routine schema.Routine, quote func(string) string, placeholders []string) string {
	target := sqldb.QualifiedName(routine.Schema, routine.Name, quote) + "(" + strings.Join(placeholders, ", ") + ")"
	if routine.Kind == schema.RoutineProcedure {
		return "CALL " + target
	}
	return "SELECT " + target + " AS result"
}

// New returns an unconnected MySQL worker.
func New(opts ...sqldb.Option) *sqldb.Worker {
	return sqldb.New(Dialect, opts...)
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}
