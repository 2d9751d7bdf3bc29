package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Dialect turns the body of a DSN (the part after "scheme:") into a
// database/sql driver name and data source.
type Dialect interface {
	DataSource(body string, cfg Config) (driverName, dataSource string, err error)
}

// Initializer is implemented by dialects that need to run statements on
// every freshly opened handle.
type Initializer interface {
	Init(ctx context.Context, db *sql.DB) error
}

// Handle is the connection or transaction a statement ran on.
type Handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LastInsertIDer is implemented by dialects whose driver cannot report the
// id generated by an INSERT. It runs on the handle the INSERT ran on; inTx
// is true when that handle is a transaction.
type LastInsertIDer interface {
	LastInsertID(ctx context.Context, h Handle, inTx bool) (int64, error)
}

var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]Dialect)
)

// Register makes a dialect available under a DSN scheme. It panics if the
// scheme is registered twice or d is nil.
func Register(scheme string, d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()

	if d == nil {
		panic("db: Register dialect is nil")
	}
	if _, dup := dialects[scheme]; dup {
		panic("db: Register called twice for scheme " + scheme)
	}
	dialects[scheme] = d
}

// Schemes returns the registered DSN schemes, sorted.
func Schemes() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()

	out := make([]string, 0, len(dialects))
	for s := range dialects {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SplitDSN splits "scheme:body" at the first colon.
func SplitDSN(dsn string) (scheme, body string, err error) {
	if dsn == "" {
		return "", "", fmt.Errorf("empty DSN")
	}
	scheme, body, ok := strings.Cut(dsn, ":")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("DSN %q has no driver prefix", dsn)
	}
	return scheme, body, nil
}

func lookupDialect(dsn string) (Dialect, string, error) {
	scheme, body, err := SplitDSN(dsn)
	if err != nil {
		return nil, "", err
	}

	dialectsMu.RLock()
	d, ok := dialects[scheme]
	dialectsMu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("unsupported driver %q", scheme)
	}
	return d, body, nil
}

// ParseParams parses a "key=value;key=value" DSN body. Keys keep their case;
// empty segments are skipped.
func ParseParams(body string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params
}

// OpenDB opens a single-connection *sql.DB for cfg through the registered
// dialect, checks it is reachable and runs the dialect initialisation.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	s, err := cfg.settings()
	if err != nil {
		return nil, err
	}

	d, body, err := lookupDialect(cfg.DSN)
	if err != nil {
		return nil, err
	}

	cfg.Options = cfg.MergedOptions()
	driverName, dataSource, err := d.DataSource(body, cfg)
	if err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(driverName, dataSource)
	if err != nil {
		return nil, err
	}

	// one physical handle per Connection
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := sqldb.PingContext(pingCtx); err != nil {
		sqldb.Close()
		return nil, err
	}

	if in, ok := d.(Initializer); ok {
		if err := in.Init(pingCtx, sqldb); err != nil {
			_ = sqldb.Close()
			return nil, err
		}
	}

	return sqldb, nil
}
