package db

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by a Connection is an *Error whose Kind
// is one of these, so callers can test with errors.Is.
var (
	// ErrConnection is returned when the physical handle could not be opened.
	ErrConnection = errors.New("connection failed")

	// ErrLostConnection is returned when a statement failed because the
	// session with the server is gone.
	ErrLostConnection = errors.New("lost connection")

	// ErrStatement is returned for any other statement failure.
	ErrStatement = errors.New("statement failed")

	// ErrTransaction is returned when commit, rollback or begin fails.
	ErrTransaction = errors.New("transaction failed")
)

var (
	ErrClosed            = errors.New("connection is closed")
	ErrNoStatement       = errors.New("no statement has been executed")
	ErrNoTransaction     = errors.New("there is no active transaction")
	ErrTransactionActive = errors.New("there is already an active transaction")
)

// Error describes a failed Connection operation.
type Error struct {
	Kind error
	Op   string
	SQL  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SQL != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.SQL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func connectionError(err error) error {
	return &Error{Kind: ErrConnection, Op: "open", Err: err}
}

func transactionError(op string, err error) error {
	return &Error{Kind: ErrTransaction, Op: op, Err: err}
}
