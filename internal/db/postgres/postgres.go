// Package postgres registers the "pgsql:" and "postgres:" DSN schemes.
//
//	pgsql:host=localhost;port=5432;dbname=app;sslmode=disable
//
// The body is rewritten as a libpq keyword/value string, which both the pgx
// stdlib driver (default) and lib/pq ("driver" option "postgres") accept.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx stdlib driver
	_ "github.com/lib/pq"              // register "postgres"

	"github.com/bgunnarsson/sqlwrap/internal/db"
)

const (
	DriverPgx = "pgx"
	DriverPq  = "postgres"
)

type Dialect struct{}

func init() {
	db.Register("pgsql", Dialect{})
	db.Register("postgres", Dialect{})
}

func (Dialect) DataSource(body string, cfg db.Config) (string, string, error) {
	if body == "" {
		return "", "", fmt.Errorf("empty postgres DSN")
	}

	driverName := DriverPgx
	switch d := cfg.Options.String(db.OptDriver); d {
	case "", DriverPgx:
	case DriverPq:
		driverName = DriverPq
	default:
		return "", "", fmt.Errorf("unsupported postgres driver %q", d)
	}

	kv := db.ParseParams(body)
	if cfg.Username != "" {
		kv["user"] = cfg.Username
	}
	if cfg.Password != "" {
		kv["password"] = cfg.Password
	}

	if v, ok := cfg.Options[db.OptTimeout]; ok {
		t, err := db.ConnectTimeout(v)
		if err != nil {
			return "", "", err
		}
		// connect_timeout is whole seconds
		kv["connect_timeout"] = strconv.Itoa(int(math.Ceil(t.Seconds())))
	}

	for k, v := range cfg.Options.DriverParams() {
		kv[k] = v
	}

	return driverName, conninfo(kv), nil
}

// conninfo renders kv as "key='value' ..." with keys sorted.
func conninfo(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quote(kv[k]))
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

const lastvalSavepoint = "sqlwrap_lastval"

// LastInsertID returns lastval(). Outside a transaction a failure (no
// sequence used yet in the session) is harmless; inside one it would abort
// the transaction, so the lookup runs under a savepoint.
func (Dialect) LastInsertID(ctx context.Context, h db.Handle, inTx bool) (int64, error) {
	if !inTx {
		return lastval(ctx, h)
	}

	if _, err := h.ExecContext(ctx, "SAVEPOINT "+lastvalSavepoint); err != nil {
		return 0, err
	}
	id, err := lastval(ctx, h)
	if err != nil {
		_, rbErr := h.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+lastvalSavepoint)
		err = errors.Join(err, rbErr)
	}
	if _, relErr := h.ExecContext(ctx, "RELEASE SAVEPOINT "+lastvalSavepoint); relErr != nil {
		err = errors.Join(err, relErr)
	}
	return id, err
}

func lastval(ctx context.Context, h db.Handle) (int64, error) {
	var id sql.NullInt64
	if err := h.QueryRowContext(ctx, "SELECT lastval()").Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
