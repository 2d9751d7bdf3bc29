// Package config loads sqlwrap settings from .sqlwrap.yaml, SQLWRAP_*
// environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/bgunnarsson/sqlwrap/internal/db"
)

var AppFs = afero.NewOsFs()

const (
	configName = ".sqlwrap"
	envPrefix  = "SQLWRAP"
)

// Config holds the CLI configuration.
type Config struct {
	DSN      string
	Username string
	Password string
	Options  db.Options
	Shape    string
	Debug    bool

	// LostConnectionMessages is nil unless set in the config file.
	LostConnectionMessages []string
}

// DB returns the connection settings.
func (c *Config) DB() db.Config {
	return db.Config{
		DSN:                    c.DSN,
		Username:               c.Username,
		Password:               c.Password,
		Options:                c.Options,
		LostConnectionMessages: c.LostConnectionMessages,
	}
}

// Load reads the configuration. If file is empty the config file is looked
// up as .sqlwrap.yaml in the working directory, $HOME and
// $HOME/.config/sqlwrap; a missing file is not an error. An explicit file
// must exist.
func Load(file string) (*Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	// .env first so its values are visible to AutomaticEnv
	if err := loadDotenv(".env", false); err != nil {
		return nil, err
	}
	// .env.local wins over .env and the process environment
	if err := loadDotenv(".env.local", true); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetFs(AppFs)

	if file != "" {
		path, err := homedir.Expand(file)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(home)
		v.AddConfigPath(filepath.Join(home, ".config", "sqlwrap"))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("shape", string(db.FetchAll))
	v.SetDefault("debug", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	opts := make(map[string]any)
	if v.IsSet("options") {
		if opts, err = cast.ToStringMapE(v.Get("options")); err != nil {
			return nil, fmt.Errorf("config options: %w", err)
		}
	}

	cfg := &Config{
		DSN:      v.GetString("dsn"),
		Username: v.GetString("username"),
		Password: v.GetString("password"),
		Options:  db.Options(opts),
		Shape:    v.GetString("shape"),
		Debug:    v.GetBool("debug"),
	}
	if v.IsSet("lost_connection_messages") {
		cfg.LostConnectionMessages = v.GetStringSlice("lost_connection_messages")
	}

	return cfg, nil
}

// loadDotenv sets the variables of a dotenv file in the process
// environment. Without overload, variables that are already set are kept.
func loadDotenv(path string, overload bool) error {
	f, err := AppFs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for k, val := range vars {
		if _, set := os.LookupEnv(k); set && !overload {
			continue
		}
		if err := os.Setenv(k, val); err != nil {
			return err
		}
	}
	return nil
}

// ParseOptions parses repeated "key=value" flags into connection options.
func ParseOptions(pairs []string) (db.Options, error) {
	opts := make(db.Options, len(pairs))
	for _, p := range pairs {
		k, val, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", p)
		}
		opts[k] = strings.TrimSpace(val)
	}
	return opts, nil
}
