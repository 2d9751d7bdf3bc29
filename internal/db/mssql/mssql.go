// Package mssql registers the "sqlsrv:", "dblib:" and "mssql:" DSN schemes.
//
//	sqlsrv:Server=db.example.com,1433;Database=app
//	dblib:host=db.example.com;port=1433;dbname=app
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/azuread"

	"github.com/bgunnarsson/sqlwrap/internal/db"
)

type Dialect struct{}

func init() {
	db.Register("sqlsrv", Dialect{})
	db.Register("dblib", Dialect{})
	db.Register("mssql", Dialect{})
}

// DataSource builds an ADO style connection string.
// If it contains "fedauth=", the Azure AD driver (azuresql) is used
// so things like ActiveDirectoryInteractive / AzCli work.
func (Dialect) DataSource(body string, cfg db.Config) (string, string, error) {
	if body == "" {
		return "", "", fmt.Errorf("empty mssql DSN")
	}

	kv := make(map[string]string)
	for k, v := range db.ParseParams(body) {
		switch strings.ToLower(k) {
		case "server":
			// "host,port" or "host"
			host, port, ok := strings.Cut(v, ",")
			kv["server"] = strings.TrimSpace(host)
			if ok {
				kv["port"] = strings.TrimSpace(port)
			}
		case "host":
			kv["server"] = v
		case "database", "dbname":
			kv["database"] = v
		default:
			kv[strings.ToLower(k)] = v
		}
	}

	if cfg.Username != "" {
		kv["user id"] = cfg.Username
	}
	if cfg.Password != "" {
		kv["password"] = cfg.Password
	}

	if v, ok := cfg.Options[db.OptTimeout]; ok {
		t, err := db.ConnectTimeout(v)
		if err != nil {
			return "", "", err
		}
		kv["dial timeout"] = strconv.Itoa(int(math.Ceil(t.Seconds())))
	}

	for k, v := range cfg.Options.DriverParams() {
		kv[strings.ToLower(k)] = v
	}

	driverName := "sqlserver"
	if _, ok := kv["fedauth"]; ok {
		driverName = azuread.DriverName // "azuresql"
	}

	return driverName, adoString(kv), nil
}

func adoString(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := kv[k]
		if strings.ContainsAny(v, ";=") {
			v = "{" + strings.ReplaceAll(v, "}", "}}") + "}"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

// LastInsertID returns @@IDENTITY. SCOPE_IDENTITY() would be NULL here: the
// driver runs parameterized statements through sp_executesql, a scope of
// their own.
func (Dialect) LastInsertID(ctx context.Context, h db.Handle, _ bool) (int64, error) {
	var id sql.NullInt64
	if err := h.QueryRowContext(ctx, "SELECT CAST(@@IDENTITY AS bigint)").Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
