package db

import (
	"database/sql"
	"sort"
	"strings"
	"unicode"
)

// Row is a single result row keyed by column name, or by column position
// when the connection uses the "num" fetch mode.
type Row map[string]any

// FetchShape selects how the result of a read statement is returned.
type FetchShape string

const (
	FetchRow    FetchShape = "row"
	FetchColumn FetchShape = "column"
	FetchAll    FetchShape = "all"
)

// ParseFetchShape maps s onto a FetchShape. Matching ignores case and any
// unrecognized value means FetchAll.
func ParseFetchShape(s string) FetchShape {
	switch strings.ToLower(s) {
	case "row":
		return FetchRow
	case "column":
		return FetchColumn
	default:
		return FetchAll
	}
}

type ResultKind int

const (
	KindAll ResultKind = iota
	KindRow
	KindColumn
	KindInsertID
	KindRowCount
)

func (k ResultKind) String() string {
	switch k {
	case KindRow:
		return "row"
	case KindColumn:
		return "column"
	case KindInsertID:
		return "insert id"
	case KindRowCount:
		return "row count"
	default:
		return "all"
	}
}

// Result is the outcome of one statement. Exactly one payload is set,
// according to Kind.
type Result struct {
	Kind ResultKind

	LastInsertID int64
	RowsAffected int64

	// Columns lists the result columns in driver order for read statements.
	Columns []string

	Rows  []Row
	Row   Row // nil when no row matched
	Value any
	Found bool
}

// Int returns the insert id or affected row count of a write statement.
func (r Result) Int() int64 {
	if r.Kind == KindInsertID {
		return r.LastInsertID
	}
	return r.RowsAffected
}

// Verb returns the upper-cased text of query up to its first whitespace.
// A query that starts with whitespace or a comment therefore has no usable
// verb and is treated as a read statement.
func Verb(query string) string {
	if i := strings.IndexFunc(query, unicode.IsSpace); i >= 0 {
		query = query[:i]
	}
	return strings.ToUpper(query)
}

// Named turns a name -> value mapping into named bind arguments, ordered by
// name so the argument list is stable. A leading ':' or '@' on a name is
// dropped.
func Named(binds map[string]any) []any {
	names := make([]string, 0, len(binds))
	for name := range binds {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.TrimLeft(names[i], ":@") < strings.TrimLeft(names[j], ":@")
	})

	args := make([]any, len(names))
	for i, name := range names {
		args[i] = sql.Named(strings.TrimLeft(name, ":@"), binds[name])
	}
	return args
}
