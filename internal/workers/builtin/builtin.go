// Package builtin links every built-in worker into the factory table.
package builtin

import (
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/console"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/fileconfig"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/health"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/mysql"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/postgres"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/querybuilder"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/redislog"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/sqlite"
	_ "github.com/nupi-ai/hostd/internal/workers/builtin/sqlstore"
)
