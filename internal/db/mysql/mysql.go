// Package mysql registers the "mysql:" DSN scheme.
//
//	mysql:host=127.0.0.1;port=3306;dbname=app;charset=utf8mb4
//	mysql:unix_socket=/run/mysqld/mysqld.sock;dbname=app
package mysql

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/cast"

	"github.com/bgunnarsson/sqlwrap/internal/db"
)

const defaultPort = "3306"

type Dialect struct{}

func init() {
	db.Register("mysql", Dialect{})
}

func (Dialect) DataSource(body string, cfg db.Config) (string, string, error) {
	if body == "" {
		return "", "", fmt.Errorf("empty mysql DSN")
	}

	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password

	var host, port string
	for k, v := range db.ParseParams(body) {
		switch strings.ToLower(k) {
		case "host":
			host = v
		case "port":
			port = v
		case "unix_socket":
			mc.Net = "unix"
			mc.Addr = v
		case "dbname":
			mc.DBName = v
		case "charset":
			setParam(mc, "charset", v)
		default:
			return "", "", fmt.Errorf("unknown mysql DSN key %q", k)
		}
	}

	if mc.Net != "unix" && (host != "" || port != "") {
		if port == "" {
			port = defaultPort
		}
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(host, port)
	}

	if v, ok := cfg.Options[db.OptTimeout]; ok {
		t, err := db.ConnectTimeout(v)
		if err != nil {
			return "", "", err
		}
		mc.Timeout = t
	}

	// client-side interpolation is the driver's form of emulated prepares
	mc.InterpolateParams = cast.ToBool(cfg.Options[db.OptEmulatePrepares])

	for k, v := range cfg.Options.DriverParams() {
		setParam(mc, k, v)
	}

	return "mysql", mc.FormatDSN(), nil
}

func setParam(mc *mysql.Config, k, v string) {
	if mc.Params == nil {
		mc.Params = make(map[string]string)
	}
	mc.Params[k] = v
}
