package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bgunnarsson/sqlwrap/internal/db"
	_ "github.com/bgunnarsson/sqlwrap/internal/db/drivers"
	"github.com/bgunnarsson/sqlwrap/internal/model"
	"github.com/bgunnarsson/sqlwrap/internal/print"
	"github.com/bgunnarsson/sqlwrap/internal/registry"
	"github.com/bgunnarsson/sqlwrap/internal/ui"
)

var ErrNoQuery = errors.New("no query given")

// Session is one CLI run: a registry holding the shared connection and the
// model that borrows it.
type Session struct {
	reg   *registry.Container
	model *model.Model
}

// NewSession prepares a session for cfg. The connection is opened on first
// use.
func NewSession(ctx context.Context, cfg db.Config, opts ...db.ConnOption) *Session {
	reg := registry.New()
	reg.Register(model.DefaultConnectionService, func(registry.Registry) (any, error) {
		return db.New(ctx, cfg, opts...)
	})
	return &Session{reg: reg, model: model.New(reg)}
}

// Model returns the model queries run through.
func (s *Session) Model() *model.Model {
	return s.model
}

// Close closes the connection if it was opened.
func (s *Session) Close() error {
	return s.reg.Close()
}

// RunNonInteractive runs one statement and writes its result to out. With an
// empty query the statement is read from in.
func RunNonInteractive(ctx context.Context, s *Session, query string, shape db.FetchShape, in io.Reader, out io.Writer) error {
	query = strings.TrimSpace(query)
	if query == "" && in != nil {
		b, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read query: %w", err)
		}
		query = strings.TrimSpace(string(b))
	}
	if query == "" {
		return ErrNoQuery
	}

	res, err := s.model.Query(ctx, query, nil, shape)
	if err != nil {
		return err
	}

	print.RenderResult(out, res, print.Options{MaxWidth: 60})
	return nil
}

// RunInteractive opens the connection and hands it to the terminal shell.
func RunInteractive(ctx context.Context, s *Session) error {
	conn, err := s.model.DB()
	if err != nil {
		return err
	}

	label, _, _ := db.SplitDSN(conn.Config().DSN)
	return ui.Run(ctx, conn, label)
}
