package main

import (
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bgunnarsson/sqlwrap/internal/app"
	"github.com/bgunnarsson/sqlwrap/internal/config"
	"github.com/bgunnarsson/sqlwrap/internal/db"
	"github.com/bgunnarsson/sqlwrap/internal/debug"
)

type flags struct {
	dsn         string
	username    string
	password    string
	askPassword bool
	options     []string
	query       string
	shape       string
	configFile  string
	debug       bool
}

// runner lets tests swap the terminal-dependent parts.
type runner struct {
	isTTY       func() bool
	askPassword func() (string, error)
	interactive func(cmd *cobra.Command, s *app.Session) error
	stdin       io.Reader
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(runner{
		isTTY:       func() bool { return term.IsTerminal(int(os.Stdout.Fd())) },
		askPassword: promptPassword,
		interactive: func(cmd *cobra.Command, s *app.Session) error {
			return app.RunInteractive(cmd.Context(), s)
		},
		stdin: os.Stdin,
	})
}

func newRootCmdWith(r runner) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "sqlwrap [flags] [dsn]",
		Short: "Run SQL against a database through a self-healing connection",
		Long: `sqlwrap runs SQL through a single connection that reopens itself and
retries once when the server drops it.

DSNs have the form scheme:body, for example
  sqlite:/path/to/app.db
  mysql:host=127.0.0.1;port=3306;dbname=app
  pgsql:host=localhost;dbname=app;sslmode=disable
  sqlsrv:Server=db.example.com,1433;Database=app

With -q, or when stdout is not a terminal, one statement is run and its
result printed; without -q the statement is read from stdin. Otherwise an
interactive shell starts.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, r, f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.dsn, "dsn", "", "data source name, scheme:body")
	fl.StringVarP(&f.username, "username", "u", "", "database user")
	fl.StringVarP(&f.password, "password", "p", "", "database password")
	fl.BoolVar(&f.askPassword, "ask-password", false, "prompt for the password")
	fl.StringArrayVarP(&f.options, "option", "o", nil, "connection option key=value (repeatable)")
	fl.StringVarP(&f.query, "query", "q", "", "SQL to run non-interactively")
	fl.StringVar(&f.shape, "shape", "", "result shape for reads: row, column or all")
	fl.StringVar(&f.configFile, "config", "", "config file (default .sqlwrap.yaml in ., $HOME, $HOME/.config/sqlwrap)")
	fl.BoolVar(&f.debug, "debug", false, "log connection events to stderr")

	return cmd
}

func run(cmd *cobra.Command, r runner, f flags, args []string) error {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return err
	}

	fl := cmd.Flags()
	if len(args) == 1 {
		cfg.DSN = args[0]
	}
	if fl.Changed("dsn") {
		cfg.DSN = f.dsn
	}
	if fl.Changed("username") {
		cfg.Username = f.username
	}
	if fl.Changed("password") {
		cfg.Password = f.password
	}
	if fl.Changed("shape") {
		cfg.Shape = f.shape
	}
	if fl.Changed("debug") {
		cfg.Debug = f.debug
	}

	opts, err := config.ParseOptions(f.options)
	if err != nil {
		return err
	}
	cfg.Options = cfg.Options.Merge(opts)

	if cfg.DSN == "" {
		return fmt.Errorf("no DSN given; pass one as an argument, with --dsn or in the config file")
	}

	if f.askPassword {
		pw, err := r.askPassword()
		if err != nil {
			return err
		}
		cfg.Password = pw
	}

	debug.InitWriter(cmd.ErrOrStderr(), cfg.Debug)

	s := app.NewSession(cmd.Context(), cfg.DB())
	defer s.Close()

	if f.query != "" || !r.isTTY() {
		return app.RunNonInteractive(cmd.Context(), s, f.query, db.ParseFetchShape(cfg.Shape), r.stdin, cmd.OutOrStdout())
	}
	return r.interactive(cmd, s)
}

func promptPassword() (string, error) {
	var pw string
	err := survey.AskOne(&survey.Password{Message: "Password:"}, &pw,
		survey.WithStdio(os.Stdin, os.Stderr, os.Stderr))
	return pw, err
}
