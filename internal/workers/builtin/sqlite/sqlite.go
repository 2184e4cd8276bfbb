// Package sqlite registers the builtin:sqlite database worker.
package sqlite

import (
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/nupi-ai/hostd/internal/workers"
	"github.com/nupi-ai/hostd/internal/workers/builtin/sqldb"
)

// Location is the import reference of this worker.
const Location = "builtin:sqlite"

// Dialect describes SQLite. It has no stored routines.
var Dialect = sqldb.Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	Quote:  sqldb.DoubleQuote,
	Bind:   sqldb.QuestionMark,
}

// New returns an unconnected SQLite worker.
func New(opts ...sqldb.Option) *sqldb.Worker {
	return sqldb.New(Dialect, opts...)
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}
