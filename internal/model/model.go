// Package model provides the base that data models embed to reach their
// database connection and other services through a registry.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/bgunnarsson/sqlwrap/internal/db"
	"github.com/bgunnarsson/sqlwrap/internal/registry"
)

// DefaultConnectionService is the registry name the connection is looked up
// under unless WithConnectionService says otherwise.
const DefaultConnectionService = "db"

var ErrUndefinedService = errors.New("undefined service")

// Model is meant to be embedded. It is not safe for concurrent use, like the
// Connection it hands out.
type Model struct {
	reg        registry.Registry
	connection string
	name       string

	db       *db.Connection
	services map[string]any
}

type Option func(*Model)

// WithConnectionService sets the registry name of the connection service.
func WithConnectionService(name string) Option {
	return func(m *Model) {
		m.connection = name
	}
}

// WithName registers the model itself in the registry under name.
func WithName(name string) Option {
	return func(m *Model) {
		m.name = name
	}
}

// New returns a Model bound to reg.
func New(reg registry.Registry, opts ...Option) *Model {
	m := &Model{
		reg:        reg,
		connection: DefaultConnectionService,
		services:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.name != "" {
		reg.Set(m.name, m)
	}
	return m
}

// Name returns the name the model registered itself under, if any.
func (m *Model) Name() string {
	return m.name
}

// ConnectionService returns the registry name of the connection service.
func (m *Model) ConnectionService() string {
	return m.connection
}

// Registry returns the registry the model resolves services from.
func (m *Model) Registry() registry.Registry {
	return m.reg
}

// DB returns the model's connection, resolving it on first use.
func (m *Model) DB() (*db.Connection, error) {
	if m.db != nil {
		return m.db, nil
	}

	v, err := m.Service(m.connection)
	if err != nil {
		return nil, err
	}
	conn, ok := v.(*db.Connection)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, not *db.Connection", registry.ErrServiceType, m.connection, v)
	}
	m.db = conn
	return conn, nil
}

// Service returns the named service, resolving it on first use and caching
// it on the model.
func (m *Model) Service(name string) (any, error) {
	if v, ok := m.services[name]; ok {
		return v, nil
	}
	if !m.reg.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrUndefinedService, name)
	}

	v, err := m.reg.Get(name)
	if err != nil {
		return nil, err
	}
	m.services[name] = v
	return v, nil
}

// Query runs query on the model's connection. See db.Connection.Query.
func (m *Model) Query(ctx context.Context, query string, binds []any, shape db.FetchShape) (db.Result, error) {
	conn, err := m.DB()
	if err != nil {
		return db.Result{}, err
	}
	return conn.Query(ctx, query, binds, shape)
}

func (m *Model) QueryAll(ctx context.Context, query string, binds ...any) ([]db.Row, error) {
	conn, err := m.DB()
	if err != nil {
		return nil, err
	}
	return conn.QueryAll(ctx, query, binds...)
}

func (m *Model) QueryRow(ctx context.Context, query string, binds ...any) (db.Row, error) {
	conn, err := m.DB()
	if err != nil {
		return nil, err
	}
	return conn.QueryRow(ctx, query, binds...)
}

func (m *Model) QueryColumn(ctx context.Context, query string, binds ...any) (any, error) {
	conn, err := m.DB()
	if err != nil {
		return nil, err
	}
	return conn.QueryColumn(ctx, query, binds...)
}
