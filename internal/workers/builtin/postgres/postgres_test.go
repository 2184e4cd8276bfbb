package postgres

import (
	"context"
	"testing"

	"github.com/nupi-ai/hostd/internal/schema"
	"github.com/nupi-ai/hostd/internal/workers"
	"github.com/nupi-ai/hostd/internal/workers/builtin/sqldb"
)

func TestCall(t *testing.T) {
	proc := schema.Routine{Schema: "public", Name: "refresh", Kind: schema.RoutineProcedure}
	if got := call(proc, sqldb.DoubleQuote, []string{"$1"}); got != `CALL "public"."refresh"($1)` {
		t.Fatalf("procedure call = %s", got)
	}
	fn := schema.Routine{Schema: "public", Name: "add_points", Kind: schema.RoutineFunction}
	if got := call(fn, sqldb.DoubleQuote, []string{"$1", "$2"}); got != `SELECT * FROM "public"."add_points"($1, $2)` {
		t.Fatalf("function call = %s", got)
	}
}

func TestRegistered(t *testing.T) {
	w, err := workers.NewResolver().Resolve(context.Background(), "pg", Location)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := workers.CheckContract(workers.TypeDatabase, w); err != nil {
		t.Fatalf("contract: %v", err)
	}
	d, ok := w.(workers.Dialect)
	if !ok || d.Placeholder(3) != "$3" || d.QuoteIdent("t") != `"t"` {
		t.Fatalf("dialect not exposed")
	}
}
