package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer hands out one sqlmock database per Open call, so a test can
// script what the "server" does before and after a reconnect.
type mockServer struct {
	t     *testing.T
	dbs   []*sql.DB
	mocks []sqlmock.Sqlmock
	opens int
}

func newMockServer(t *testing.T, handles int) *mockServer {
	t.Helper()

	s := &mockServer{t: t}
	for i := 0; i < handles; i++ {
		sqldb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		require.NoError(t, err)
		s.dbs = append(s.dbs, sqldb)
		s.mocks = append(s.mocks, mock)
	}
	return s
}

func (s *mockServer) open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if s.opens >= len(s.dbs) {
		return nil, errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")
	}
	sqldb := s.dbs[s.opens]
	s.opens++
	return sqldb, nil
}

func (s *mockServer) connect(cfg Config) *Connection {
	s.t.Helper()

	if cfg.DSN == "" {
		cfg.DSN = "mock:test"
	}
	c, err := New(context.Background(), cfg,
		WithOpener(s.open),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(s.t, err)
	return c
}

func (s *mockServer) verify() {
	s.t.Helper()
	for i, m := range s.mocks[:s.opens] {
		assert.NoError(s.t, m.ExpectationsWereMet(), "handle %d", i)
	}
}

func TestQuery_ReconnectsOnLostConnection(t *testing.T) {
	s := newMockServer(t, 2)

	s.mocks[0].ExpectPrepare("SELECT 1").WillReturnError(errors.New("server has gone away"))
	s.mocks[0].ExpectClose()
	s.mocks[1].ExpectPrepare("SELECT 1").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(1)))
	s.mocks[1].ExpectClose()

	c := s.connect(Config{})
	res, err := c.Query(context.Background(), "SELECT 1", nil, FetchColumn)
	require.NoError(t, err)
	assert.Equal(t, KindColumn, res.Kind)
	assert.Equal(t, int64(1), res.Value)
	assert.True(t, res.Found)
	assert.Equal(t, 2, s.opens, "exactly one reopen")

	require.NoError(t, c.Close())
	s.verify()
}

func TestQuery_FailedRetrySurfacesSecondError(t *testing.T) {
	s := newMockServer(t, 2)

	s.mocks[0].ExpectPrepare("SELECT * FROM t").
		WillReturnError(errors.New("Lost connection to MySQL server during query"))
	s.mocks[0].ExpectClose()
	s.mocks[1].ExpectPrepare("SELECT * FROM t").
		WillReturnError(errors.New("Table 'app.t' doesn't exist"))

	c := s.connect(Config{})
	defer c.Close()

	_, err := c.QueryAll(context.Background(), "SELECT * FROM t")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStatement))
	assert.Contains(t, err.Error(), "doesn't exist")
	assert.NotContains(t, err.Error(), "Lost connection")
	assert.Equal(t, 2, s.opens)
	s.verify()
}

func TestQuery_LostConnectionTwiceIsNotRetriedAgain(t *testing.T) {
	s := newMockServer(t, 3)

	s.mocks[0].ExpectPrepare("SELECT 1").WillReturnError(errors.New("server has gone away"))
	s.mocks[0].ExpectClose()
	s.mocks[1].ExpectPrepare("SELECT 1").WillReturnError(errors.New("no connection to the server"))

	c := s.connect(Config{})
	defer c.Close()

	_, err := c.QueryColumn(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLostConnection))
	assert.Contains(t, err.Error(), "no connection to the server")
	assert.Equal(t, 2, s.opens, "no second reconnect")
}

func TestQuery_OtherErrorsAreNotRetried(t *testing.T) {
	s := newMockServer(t, 2)

	driverErr := errors.New(`near "SELEC": syntax error`)
	s.mocks[0].ExpectPrepare("SELEC 1").WillReturnError(driverErr)

	c := s.connect(Config{})
	defer c.Close()

	_, err := c.QueryRow(context.Background(), "SELEC 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStatement))
	assert.True(t, errors.Is(err, driverErr), "driver error is reachable")
	assert.Equal(t, 1, s.opens)

	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, "query", dbErr.Op)
	assert.Equal(t, "SELEC 1", dbErr.SQL)
	s.verify()
}

func TestQuery_ReopenFailureIsConnectionError(t *testing.T) {
	s := newMockServer(t, 1)

	s.mocks[0].ExpectPrepare("SELECT 1").WillReturnError(errors.New("server has gone away"))
	s.mocks[0].ExpectClose()

	c := s.connect(Config{})
	defer c.Close()

	_, err := c.QueryColumn(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestQuery_ConfiguredLostConnectionMessages(t *testing.T) {
	s := newMockServer(t, 2)

	s.mocks[0].ExpectPrepare("SELECT 1").WillReturnError(errors.New("driver: bad connection"))
	s.mocks[0].ExpectClose()
	s.mocks[1].ExpectPrepare("SELECT 1").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(1)))

	c := s.connect(Config{LostConnectionMessages: []string{"bad connection"}})
	defer c.Close()

	v, err := c.QueryColumn(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 2, s.opens)
}

func TestQuery_InsertReturnsLastInsertID(t *testing.T) {
	shapes := []FetchShape{FetchAll, FetchRow, FetchColumn, "nonsense"}

	for _, shape := range shapes {
		t.Run(string(shape), func(t *testing.T) {
			s := newMockServer(t, 1)
			s.mocks[0].ExpectPrepare("INSERT INTO t(v) VALUES(?)").
				ExpectExec().
				WithArgs("a").
				WillReturnResult(sqlmock.NewResult(42, 1))

			c := s.connect(Config{})
			defer c.Close()

			res, err := c.Query(context.Background(), "INSERT INTO t(v) VALUES(?)", []any{"a"}, shape)
			require.NoError(t, err)
			assert.Equal(t, KindInsertID, res.Kind)
			assert.Equal(t, int64(42), res.LastInsertID)
			assert.Equal(t, int64(42), res.Int())

			id, err := c.LastInsertID()
			require.NoError(t, err)
			assert.Equal(t, int64(42), id)

			n, err := c.RowCount()
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			s.verify()
		})
	}
}

// lastvalDialect stands in for a dialect whose driver leaves
// LastInsertId unsupported, as pgx, lib/pq and go-mssqldb do.
type lastvalDialect struct{}

func (lastvalDialect) DataSource(body string, cfg Config) (string, string, error) {
	return "lastval", body, nil
}

func (lastvalDialect) LastInsertID(ctx context.Context, h Handle, inTx bool) (int64, error) {
	query := "SELECT lastval()"
	if inTx {
		query = "SELECT lastval() /* tx */"
	}
	var id int64
	err := h.QueryRowContext(ctx, query).Scan(&id)
	return id, err
}

func init() {
	Register("lastval-test", lastvalDialect{})
}

func TestQuery_InsertIDFromDialectWhenDriverHasNone(t *testing.T) {
	s := newMockServer(t, 1)
	m := s.mocks[0]
	m.ExpectPrepare("INSERT INTO t(v) VALUES(?)").
		ExpectExec().
		WithArgs("a").
		WillReturnResult(driver.RowsAffected(1))
	m.ExpectQuery("SELECT lastval()").
		WillReturnRows(sqlmock.NewRows([]string{"lastval"}).AddRow(int64(7)))
	m.ExpectBegin()
	m.ExpectPrepare("INSERT INTO t(v) VALUES(?)").
		ExpectExec().
		WithArgs("b").
		WillReturnResult(driver.RowsAffected(1))
	m.ExpectQuery("SELECT lastval() /* tx */").
		WillReturnRows(sqlmock.NewRows([]string{"lastval"}).AddRow(int64(8)))
	m.ExpectCommit()
	m.ExpectClose()

	ctx := context.Background()
	c := s.connect(Config{DSN: "lastval-test:db"})

	res, err := c.Query(ctx, "INSERT INTO t(v) VALUES(?)", []any{"a"}, FetchAll)
	require.NoError(t, err)
	assert.Equal(t, KindInsertID, res.Kind)
	assert.Equal(t, int64(7), res.LastInsertID)

	require.NoError(t, c.Begin(ctx))
	id, err := c.QueryColumn(ctx, "INSERT INTO t(v) VALUES(?)", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(8), id)
	require.NoError(t, c.Commit())

	last, err := c.LastInsertID()
	require.NoError(t, err)
	assert.Equal(t, int64(8), last)

	require.NoError(t, c.Close())
	s.verify()
}

func TestQuery_InsertWithoutAnyIDSource(t *testing.T) {
	s := newMockServer(t, 1)
	s.mocks[0].ExpectPrepare("INSERT INTO t(v) VALUES(?)").
		ExpectExec().
		WithArgs("a").
		WillReturnResult(driver.RowsAffected(1))

	c := s.connect(Config{})
	defer c.Close()

	// the row is written, so the call succeeds with id 0
	res, err := c.Query(context.Background(), "INSERT INTO t(v) VALUES(?)", []any{"a"}, FetchAll)
	require.NoError(t, err)
	assert.Equal(t, KindInsertID, res.Kind)
	assert.Equal(t, int64(0), res.LastInsertID)

	n, err := c.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	s.verify()
}

func TestQuery_UpdateAndDeleteReturnAffectedRows(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		affected int64
	}{
		{"update", "UPDATE t SET v = ? WHERE id > ?", 3},
		{"delete", "DELETE FROM t WHERE id > ?", 0},
		{"lowercase verb", "update t SET v = ? WHERE id > ?", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMockServer(t, 1)
			s.mocks[0].ExpectPrepare(tt.sql).
				ExpectExec().
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			c := s.connect(Config{})
			defer c.Close()

			v, err := c.QueryColumn(context.Background(), tt.sql, "x", 1)
			require.NoError(t, err)
			assert.Equal(t, tt.affected, v)

			n, err := c.RowCount()
			require.NoError(t, err)
			assert.Equal(t, tt.affected, n)
			s.verify()
		})
	}
}

func TestQuery_FetchShapes(t *testing.T) {
	const query = "SELECT id, v FROM t WHERE id >= ?"

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "v"}).
			AddRow(int64(1), []byte("a")).
			AddRow(int64(2), "b")
	}

	tests := []struct {
		name  string
		shape FetchShape
		rows  *sqlmock.Rows
		check func(t *testing.T, res Result)
	}{
		{
			name:  "all",
			shape: FetchAll,
			rows:  rows(),
			check: func(t *testing.T, res Result) {
				assert.Equal(t, KindAll, res.Kind)
				assert.Equal(t, []string{"id", "v"}, res.Columns)
				assert.Equal(t, []Row{
					{"id": int64(1), "v": "a"},
					{"id": int64(2), "v": "b"},
				}, res.Rows)
			},
		},
		{
			name:  "unrecognized shape falls back to all",
			shape: ParseFetchShape("everything"),
			rows:  rows(),
			check: func(t *testing.T, res Result) {
				assert.Equal(t, KindAll, res.Kind)
				assert.Len(t, res.Rows, 2)
			},
		},
		{
			name:  "all with no rows",
			shape: FetchAll,
			rows:  sqlmock.NewRows([]string{"id", "v"}),
			check: func(t *testing.T, res Result) {
				assert.NotNil(t, res.Rows)
				assert.Empty(t, res.Rows)
			},
		},
		{
			name:  "row",
			shape: FetchRow,
			rows:  rows(),
			check: func(t *testing.T, res Result) {
				assert.Equal(t, KindRow, res.Kind)
				assert.True(t, res.Found)
				assert.Equal(t, Row{"id": int64(1), "v": "a"}, res.Row)
			},
		},
		{
			name:  "row absent",
			shape: FetchRow,
			rows:  sqlmock.NewRows([]string{"id", "v"}),
			check: func(t *testing.T, res Result) {
				assert.False(t, res.Found)
				assert.Nil(t, res.Row)
			},
		},
		{
			name:  "column",
			shape: FetchColumn,
			rows:  rows(),
			check: func(t *testing.T, res Result) {
				assert.Equal(t, KindColumn, res.Kind)
				assert.True(t, res.Found)
				assert.Equal(t, int64(1), res.Value)
			},
		},
		{
			name:  "column absent",
			shape: FetchColumn,
			rows:  sqlmock.NewRows([]string{"id", "v"}),
			check: func(t *testing.T, res Result) {
				assert.False(t, res.Found)
				assert.Nil(t, res.Value)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMockServer(t, 1)
			s.mocks[0].ExpectPrepare(query).
				ExpectQuery().
				WithArgs(1).
				WillReturnRows(tt.rows)

			c := s.connect(Config{})
			defer c.Close()

			res, err := c.Query(context.Background(), query, []any{1}, tt.shape)
			require.NoError(t, err)
			tt.check(t, res)
			s.verify()
		})
	}
}

func TestQuery_FetchModeNum(t *testing.T) {
	s := newMockServer(t, 1)
	s.mocks[0].ExpectPrepare("SELECT id, v FROM t").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"id", "v"}).AddRow(int64(1), "a"))

	c := s.connect(Config{Options: Options{OptFetchMode: FetchModeNum}})
	defer c.Close()

	row, err := c.QueryRow(context.Background(), "SELECT id, v FROM t")
	require.NoError(t, err)
	assert.Equal(t, Row{"0": int64(1), "1": "a"}, row)
}

func TestQuery_EmulatePreparesSkipsPrepare(t *testing.T) {
	s := newMockServer(t, 1)
	s.mocks[0].ExpectQuery("SELECT v FROM t WHERE id = ?").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow("a"))
	s.mocks[0].ExpectExec("DELETE FROM t").
		WillReturnResult(sqlmock.NewResult(0, 4))

	c := s.connect(Config{Options: Options{OptEmulatePrepares: true}})
	defer c.Close()

	v, err := c.QueryColumn(context.Background(), "SELECT v FROM t WHERE id = ?", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	n, err := c.QueryColumn(context.Background(), "DELETE FROM t")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	s.verify()
}

func TestQuery_LeadingWhitespaceIsReadStatement(t *testing.T) {
	s := newMockServer(t, 1)
	s.mocks[0].ExpectPrepare(" INSERT INTO t(v) VALUES('a')").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{}))

	c := s.connect(Config{})
	defer c.Close()

	res, err := c.Query(context.Background(), " INSERT INTO t(v) VALUES('a')", nil, FetchAll)
	require.NoError(t, err)
	assert.Equal(t, KindAll, res.Kind)
	s.verify()
}

func TestClose_StatementReadsFail(t *testing.T) {
	s := newMockServer(t, 1)
	s.mocks[0].ExpectPrepare("UPDATE t SET v = 'x'").
		ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 2))
	s.mocks[0].ExpectClose()

	c := s.connect(Config{})

	_, err := c.RowCount()
	assert.ErrorIs(t, err, ErrNoStatement, "nothing executed yet")
	_, err = c.LastInsertID()
	assert.ErrorIs(t, err, ErrNoStatement, "no insert yet")

	_, err = c.QueryAll(context.Background(), "UPDATE t SET v = 'x'")
	require.NoError(t, err)
	n, err := c.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = c.LastInsertID()
	assert.ErrorIs(t, err, ErrNoStatement, "an update has no insert id")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close twice")

	_, err = c.RowCount()
	assert.ErrorIs(t, err, ErrNoStatement)
	_, err = c.LastInsertID()
	assert.ErrorIs(t, err, ErrNoStatement)
	assert.Nil(t, c.Handle())

	_, err = c.QueryAll(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrStatement)
	s.verify()
}

func TestOpen_ReopensAfterClose(t *testing.T) {
	s := newMockServer(t, 2)
	s.mocks[0].ExpectClose()
	s.mocks[1].ExpectPrepare("SELECT 1").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(1)))

	c := s.connect(Config{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	v, err := c.QueryColumn(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	s.verify()
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"empty dsn", Config{}, "empty DSN"},
		{"bad errmode", Config{DSN: "mock:x", Options: Options{OptErrMode: "silent"}}, `invalid errmode "silent"`},
		{"bad fetch mode", Config{DSN: "mock:x", Options: Options{OptFetchMode: "obj"}}, `invalid fetch_mode "obj"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMockServer(t, 1)
			_, err := New(context.Background(), tt.cfg, WithOpener(s.open))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConnection)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, 0, s.opens, "no handle opened")
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		s := newMockServer(t, 0)
		_, err := New(context.Background(), Config{DSN: "mock:x"}, WithOpener(s.open))
		assert.ErrorIs(t, err, ErrConnection)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := New(context.Background(), Config{DSN: "oracle:host=x"})
		assert.ErrorIs(t, err, ErrConnection)
		assert.Contains(t, err.Error(), `unsupported driver "oracle"`)
	})
}

func TestTransactions(t *testing.T) {
	s := newMockServer(t, 1)
	m := s.mocks[0]
	m.ExpectBegin()
	m.ExpectPrepare("INSERT INTO t(v) VALUES(?)").
		ExpectExec().
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(1, 1))
	m.ExpectCommit()
	m.ExpectBegin()
	m.ExpectRollback()

	c := s.connect(Config{})
	defer c.Close()
	ctx := context.Background()

	assert.False(t, c.InTransaction())

	require.NoError(t, c.Begin(ctx))
	assert.True(t, c.InTransaction())

	err := c.Begin(ctx)
	assert.ErrorIs(t, err, ErrTransactionActive)
	assert.ErrorIs(t, err, ErrTransaction)
	assert.True(t, c.InTransaction())

	id, err := c.QueryColumn(ctx, "INSERT INTO t(v) VALUES(?)", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, c.Commit())
	assert.False(t, c.InTransaction())

	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Rollback())
	assert.False(t, c.InTransaction())

	assert.ErrorIs(t, c.Commit(), ErrNoTransaction)
	assert.ErrorIs(t, c.Rollback(), ErrNoTransaction)
	s.verify()
}

func TestCommitFailureIsNotRetried(t *testing.T) {
	s := newMockServer(t, 2)
	s.mocks[0].ExpectBegin()
	s.mocks[0].ExpectCommit().WillReturnError(errors.New("server has gone away"))

	c := s.connect(Config{})
	defer c.Close()

	require.NoError(t, c.Begin(context.Background()))
	err := c.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransaction)
	assert.False(t, c.InTransaction())
	assert.Equal(t, 1, s.opens)
}

func TestBegin_ReconnectsOnLostConnection(t *testing.T) {
	s := newMockServer(t, 2)
	s.mocks[0].ExpectBegin().WillReturnError(errors.New("SSL connection has been closed unexpectedly"))
	s.mocks[0].ExpectClose()
	s.mocks[1].ExpectBegin()
	s.mocks[1].ExpectRollback()
	s.mocks[1].ExpectClose()

	c := s.connect(Config{})

	require.NoError(t, c.Begin(context.Background()))
	assert.True(t, c.InTransaction())
	assert.Equal(t, 2, s.opens)

	// closing with an open transaction rolls it back
	require.NoError(t, c.Close())
	assert.False(t, c.InTransaction())
	s.verify()
}
