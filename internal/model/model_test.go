package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgunnarsson/sqlwrap/internal/db"
	_ "github.com/bgunnarsson/sqlwrap/internal/db/sqlite"
	"github.com/bgunnarsson/sqlwrap/internal/model"
	"github.com/bgunnarsson/sqlwrap/internal/registry"
)

// users is how a data model embeds the base.
type users struct {
	*model.Model
}

func (u users) Names(ctx context.Context) ([]string, error) {
	rows, err := u.QueryAll(ctx, "SELECT name FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r["name"].(string))
	}
	return names, nil
}

func newContainer(t *testing.T, opens *int) *registry.Container {
	t.Helper()

	c := registry.New()
	c.Register(model.DefaultConnectionService, func(registry.Registry) (any, error) {
		*opens++
		return db.New(context.Background(), db.Config{DSN: "sqlite::memory:"})
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestModel_Query(t *testing.T) {
	ctx := context.Background()
	opens := 0
	u := users{model.New(newContainer(t, &opens))}

	_, err := u.QueryAll(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	id, err := u.QueryColumn(ctx, "INSERT INTO users (name) VALUES (?)", "ada")
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	_, err = u.QueryColumn(ctx, "INSERT INTO users (name) VALUES (?)", "grace")
	require.NoError(t, err)

	row, err := u.QueryRow(ctx, "SELECT name FROM users WHERE id = ?", 2)
	require.NoError(t, err)
	assert.Equal(t, db.Row{"name": "grace"}, row)

	names, err := u.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ada", "grace"}, names)

	res, err := u.Query(ctx, "DELETE FROM users", nil, db.FetchAll)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Int())

	assert.Equal(t, 1, opens)
}

func TestModel_SharedConnection(t *testing.T) {
	opens := 0
	c := newContainer(t, &opens)

	a := model.New(c)
	b := model.New(c)

	connA, err := a.DB()
	require.NoError(t, err)
	connB, err := b.DB()
	require.NoError(t, err)

	assert.Same(t, connA, connB)
	assert.Equal(t, 1, opens)
}

func TestModel_ConnectionService(t *testing.T) {
	c := registry.New()
	conn, err := db.New(context.Background(), db.Config{DSN: "sqlite::memory:"})
	require.NoError(t, err)
	c.Set("reporting", conn)
	t.Cleanup(func() { _ = c.Close() })

	m := model.New(c, model.WithConnectionService("reporting"))
	assert.Equal(t, "reporting", m.ConnectionService())

	got, err := m.DB()
	require.NoError(t, err)
	assert.Same(t, conn, got)

	_, err = model.New(c).DB()
	assert.ErrorIs(t, err, model.ErrUndefinedService)
}

func TestModel_WrongConnectionType(t *testing.T) {
	c := registry.New()
	c.Set("db", "not a connection")

	_, err := model.New(c).DB()
	assert.ErrorIs(t, err, registry.ErrServiceType)
}

func TestModel_Service(t *testing.T) {
	c := registry.New()
	calls := 0
	c.Register("clock", func(registry.Registry) (any, error) {
		calls++
		return "tick", nil
	})

	m := model.New(c)
	for range 3 {
		v, err := m.Service("clock")
		require.NoError(t, err)
		assert.Equal(t, "tick", v)
	}
	assert.Equal(t, 1, calls)

	// memoized on the model, later registry changes are not seen
	c.Set("clock", "tock")
	v, err := m.Service("clock")
	require.NoError(t, err)
	assert.Equal(t, "tick", v)

	_, err = m.Service("mailer")
	assert.ErrorIs(t, err, model.ErrUndefinedService)
}

func TestModel_WithName(t *testing.T) {
	c := registry.New()
	m := model.New(c, model.WithName("users"))

	assert.Equal(t, "users", m.Name())
	got, err := registry.Resolve[*model.Model](c, "users")
	require.NoError(t, err)
	assert.Same(t, m, got)
}
