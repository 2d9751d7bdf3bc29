// Package drivers registers every DSN scheme sqlwrap supports.
package drivers

import (
	_ "github.com/bgunnarsson/sqlwrap/internal/db/mssql"
	_ "github.com/bgunnarsson/sqlwrap/internal/db/mysql"
	_ "github.com/bgunnarsson/sqlwrap/internal/db/postgres"
	_ "github.com/bgunnarsson/sqlwrap/internal/db/sqlite"
)
