package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bgunnarsson/sqlwrap/internal/debug"
)

// Opener creates the *sql.DB behind a Connection. OpenDB is the default.
type Opener func(ctx context.Context, cfg Config) (*sql.DB, error)

type ConnOption func(*Connection)

// WithOpener replaces the way the physical handle is created.
func WithOpener(o Opener) ConnOption {
	return func(c *Connection) {
		c.opener = o
	}
}

// WithLogger sets the logger used for reconnects and warnings.
func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Connection) {
		c.logger = l
	}
}

// handle is what statements run on: the pinned *sql.Conn, or the active
// *sql.Tx.
type handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Connection owns one physical database handle and runs statements on it.
// A dropped connection is reopened once per failed call.
//
// A Connection is not safe for concurrent use.
type Connection struct {
	cfg        Config
	settings   settings
	classifier *Classifier
	opener     Opener
	logger     *slog.Logger
	dialect    Dialect // nil for schemes without a registered dialect

	db   *sql.DB
	conn *sql.Conn
	tx   *sql.Tx
	stmt *sql.Stmt

	executed     bool
	inserted     bool
	lastInsertID int64
	rowCount     int64
}

// New creates a Connection for cfg and opens it.
func New(ctx context.Context, cfg Config, opts ...ConnOption) (*Connection, error) {
	c := &Connection{
		cfg:        cfg,
		classifier: NewClassifier(cfg.LostConnectionMessages),
		opener:     OpenDB,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = debug.Logger()
	}

	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the configuration the connection was created with.
func (c *Connection) Config() Config {
	return c.cfg
}

// Handle returns the pinned physical connection, or nil when closed.
func (c *Connection) Handle() *sql.Conn {
	return c.conn
}

// Open (re)establishes the physical handle. Anything already open is closed
// first.
func (c *Connection) Open(ctx context.Context) error {
	c.Close()

	if c.cfg.DSN == "" {
		return connectionError(errors.New("empty DSN"))
	}

	s, err := c.cfg.settings()
	if err != nil {
		return connectionError(err)
	}

	sqldb, err := c.opener(ctx, c.cfg)
	if err != nil {
		return connectionError(err)
	}

	conn, err := sqldb.Conn(ctx)
	if err != nil {
		_ = sqldb.Close()
		return connectionError(err)
	}

	c.db = sqldb
	c.conn = conn
	c.settings = s
	c.dialect, _, _ = lookupDialect(c.cfg.DSN)

	scheme, _, _ := SplitDSN(c.cfg.DSN)
	c.logger.Debug("connection opened", "driver", scheme)
	return nil
}

// Close releases the current statement, any open transaction and the
// physical handle. It is safe to call repeatedly and always returns nil.
func (c *Connection) Close() error {
	c.closeStatement()

	if c.tx != nil {
		c.release("transaction", c.tx.Rollback())
		c.tx = nil
	}
	if c.conn != nil {
		c.release("handle", c.conn.Close())
		c.conn = nil
	}
	if c.db != nil {
		c.release("pool", c.db.Close())
		c.db = nil
	}

	c.lastInsertID, c.inserted = 0, false
	return nil
}

func (c *Connection) release(what string, err error) {
	if err != nil && !errors.Is(err, sql.ErrTxDone) && !errors.Is(err, sql.ErrConnDone) {
		c.logger.Debug("release failed", "what", what, "err", err)
	}
}

func (c *Connection) closeStatement() {
	if c.stmt != nil {
		c.release("statement", c.stmt.Close())
		c.stmt = nil
	}
	c.executed = false
	c.rowCount = 0
}

// QueryAll runs query and returns every row.
func (c *Connection) QueryAll(ctx context.Context, query string, binds ...any) ([]Row, error) {
	res, err := c.Query(ctx, query, binds, FetchAll)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// QueryRow runs query and returns its first row, or nil when none matched.
func (c *Connection) QueryRow(ctx context.Context, query string, binds ...any) (Row, error) {
	res, err := c.Query(ctx, query, binds, FetchRow)
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// QueryColumn runs query and returns the first column of the first row, or
// nil when none matched. Write statements return their insert id or row
// count.
func (c *Connection) QueryColumn(ctx context.Context, query string, binds ...any) (any, error) {
	res, err := c.Query(ctx, query, binds, FetchColumn)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case KindInsertID, KindRowCount:
		return res.Int(), nil
	}
	return res.Value, nil
}

// Query runs one statement and shapes its result by verb: INSERT returns the
// last insert id, UPDATE and DELETE the affected row count, anything else the
// rows selected by shape.
//
// If the statement fails because the connection was lost, the connection is
// reopened and the statement retried once; the outcome of the retry is final.
func (c *Connection) Query(ctx context.Context, query string, binds []any, shape FetchShape) (Result, error) {
	res, err := c.execute(ctx, query, binds, shape)
	if err == nil {
		return res, nil
	}
	if !c.classifier.LostConnection(err) {
		return Result{}, c.statementError(query, err)
	}

	c.logger.Warn("lost connection, reconnecting", "sql", query, "err", err)
	if err := c.Open(ctx); err != nil {
		return Result{}, err
	}

	res, err = c.execute(ctx, query, binds, shape)
	if err != nil {
		return Result{}, c.statementError(query, err)
	}
	return res, nil
}

func (c *Connection) statementError(query string, err error) error {
	if c.settings.errMode == ErrModeWarning {
		c.logger.Warn("statement failed", "sql", query, "err", err)
	}
	return &Error{Kind: c.classifier.Kind(err), Op: "query", SQL: query, Err: err}
}

func (c *Connection) handle() handle {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

// execute prepares, binds and runs query once and dispatches on its verb.
func (c *Connection) execute(ctx context.Context, query string, binds []any, shape FetchShape) (Result, error) {
	if c.conn == nil {
		return Result{}, ErrClosed
	}
	c.closeStatement()

	switch verb := Verb(query); verb {
	case "INSERT", "UPDATE", "DELETE":
		r, err := c.exec(ctx, query, binds)
		if err != nil {
			return Result{}, err
		}
		affected, err := r.RowsAffected()
		if err != nil {
			return Result{}, err
		}
		if verb != "INSERT" {
			c.rowCount, c.executed = affected, true
			return Result{Kind: KindRowCount, RowsAffected: affected}, nil
		}

		id, err := r.LastInsertId()
		if err != nil {
			// the row is written; a missing id must not fail the call
			id = c.fallbackInsertID(ctx, err)
		}
		c.lastInsertID, c.inserted = id, true
		c.rowCount, c.executed = affected, true
		return Result{Kind: KindInsertID, LastInsertID: id}, nil

	default:
		// SELECT, SHOW, DESCRIBE, EXPLAIN, USE, DDL ...
		rows, err := c.query(ctx, query, binds)
		if err != nil {
			return Result{}, err
		}
		res, n, err := fetch(rows, shape, c.settings.fetchMode)
		if err != nil {
			return Result{}, err
		}
		c.rowCount, c.executed = n, true
		return res, nil
	}
}

// fallbackInsertID asks the dialect for the id when the driver result has
// none. Drivers such as pgx, lib/pq and go-mssqldb never fill it in.
func (c *Connection) fallbackInsertID(ctx context.Context, cause error) int64 {
	d, ok := c.dialect.(LastInsertIDer)
	if !ok {
		c.logger.Debug("no last insert id", "err", cause)
		return 0
	}
	id, err := d.LastInsertID(ctx, c.handle(), c.tx != nil)
	if err != nil {
		c.logger.Debug("no last insert id", "err", err)
		return 0
	}
	return id
}

func (c *Connection) exec(ctx context.Context, query string, binds []any) (sql.Result, error) {
	if c.settings.emulatePrepares {
		return c.handle().ExecContext(ctx, query, binds...)
	}
	stmt, err := c.handle().PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	c.stmt = stmt
	return stmt.ExecContext(ctx, binds...)
}

func (c *Connection) query(ctx context.Context, query string, binds []any) (*sql.Rows, error) {
	if c.settings.emulatePrepares {
		return c.handle().QueryContext(ctx, query, binds...)
	}
	stmt, err := c.handle().PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	c.stmt = stmt
	return stmt.QueryContext(ctx, binds...)
}

// LastInsertID returns the id generated by the most recent INSERT on this
// handle. It fails with ErrNoStatement until an INSERT has run.
func (c *Connection) LastInsertID() (int64, error) {
	if !c.inserted {
		return 0, ErrNoStatement
	}
	return c.lastInsertID, nil
}

// RowCount returns the rows affected by the last write statement, or the
// rows fetched by the last read statement.
func (c *Connection) RowCount() (int64, error) {
	if !c.executed {
		return 0, ErrNoStatement
	}
	return c.rowCount, nil
}

// Begin starts a transaction. A lost connection is reopened and the begin
// retried once, like Query.
func (c *Connection) Begin(ctx context.Context) error {
	if c.tx != nil {
		return transactionError("begin", ErrTransactionActive)
	}

	err := c.begin(ctx)
	if err == nil {
		return nil
	}
	if !c.classifier.LostConnection(err) {
		return transactionError("begin", err)
	}

	c.logger.Warn("lost connection, reconnecting", "op", "begin", "err", err)
	if err := c.Open(ctx); err != nil {
		return err
	}
	if err := c.begin(ctx); err != nil {
		return transactionError("begin", err)
	}
	return nil
}

func (c *Connection) begin(ctx context.Context) error {
	if c.conn == nil {
		return ErrClosed
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// Commit commits the active transaction. It is never retried: after a lost
// connection the outcome is unknown.
func (c *Connection) Commit() error {
	tx, err := c.takeTx("commit")
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return transactionError("commit", err)
	}
	return nil
}

// Rollback rolls the active transaction back.
func (c *Connection) Rollback() error {
	tx, err := c.takeTx("rollback")
	if err != nil {
		return err
	}
	if err := tx.Rollback(); err != nil {
		return transactionError("rollback", err)
	}
	return nil
}

func (c *Connection) takeTx(op string) (*sql.Tx, error) {
	if c.tx == nil {
		return nil, transactionError(op, ErrNoTransaction)
	}
	tx := c.tx
	c.tx = nil
	return tx, nil
}

// InTransaction reports whether a transaction is active.
func (c *Connection) InTransaction() bool {
	return c.tx != nil
}

func (c *Connection) String() string {
	scheme, _, _ := SplitDSN(c.cfg.DSN)
	return fmt.Sprintf("db.Connection(%s)", scheme)
}
