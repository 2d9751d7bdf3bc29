// Package sqlite registers the "sqlite:" DSN scheme.
//
//	sqlite:/path/to/file.db
//	sqlite::memory:
//
// The pure Go modernc.org/sqlite driver is used unless the "driver" option
// is "sqlite3", which selects github.com/mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"

	_ "github.com/mattn/go-sqlite3" // register "sqlite3"
	_ "modernc.org/sqlite"          // register "sqlite"

	"github.com/bgunnarsson/sqlwrap/internal/db"
)

const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

type Dialect struct{}

func init() {
	db.Register("sqlite", Dialect{})
}

func (Dialect) DataSource(body string, cfg db.Config) (string, string, error) {
	if body == "" {
		return "", "", fmt.Errorf("empty sqlite path")
	}

	driverName := DriverModernc
	switch d := cfg.Options.String(db.OptDriver); d {
	case "", DriverModernc:
	case DriverMattn:
		driverName = DriverMattn
	default:
		return "", "", fmt.Errorf("unsupported sqlite driver %q", d)
	}

	params := cfg.Options.DriverParams()
	if len(params) == 0 {
		return driverName, body, nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Add(k, params[k])
	}
	return driverName, body + "?" + q.Encode(), nil
}

// Init enables foreign keys, which sqlite leaves off for every new handle.
func (Dialect) Init(ctx context.Context, sqldb *sql.DB) error {
	_, err := sqldb.ExecContext(ctx, `PRAGMA foreign_keys = ON;`)
	return err
}
