package db

import (
	"database/sql"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// fetch reads rows according to shape and always closes rows.
func fetch(rows *sql.Rows, shape FetchShape, fetchMode string) (Result, int64, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, 0, err
	}

	switch shape {
	case FetchRow:
		res := Result{Kind: KindRow, Columns: cols}
		if rows.Next() {
			row, err := scanRow(rows, cols, fetchMode)
			if err != nil {
				return Result{}, 0, err
			}
			res.Row = row
			res.Found = true
		}
		return res, count(res.Found), rows.Err()

	case FetchColumn:
		res := Result{Kind: KindColumn, Columns: cols}
		if rows.Next() {
			values, err := sqlx.SliceScan(rows)
			if err != nil {
				return Result{}, 0, err
			}
			if len(values) > 0 {
				res.Value = normalize(values[0])
			}
			res.Found = true
		}
		return res, count(res.Found), rows.Err()

	default:
		res := Result{Kind: KindAll, Columns: cols, Rows: []Row{}}
		for rows.Next() {
			row, err := scanRow(rows, cols, fetchMode)
			if err != nil {
				return Result{}, 0, err
			}
			res.Rows = append(res.Rows, row)
		}
		if err := rows.Err(); err != nil {
			return Result{}, 0, err
		}
		return res, int64(len(res.Rows)), nil
	}
}

func scanRow(rows *sql.Rows, cols []string, fetchMode string) (Row, error) {
	row := make(Row, len(cols))

	if fetchMode == FetchModeNum {
		values, err := sqlx.SliceScan(rows)
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			row[strconv.Itoa(i)] = normalize(v)
		}
		return row, nil
	}

	m := make(map[string]any, len(cols))
	if err := sqlx.MapScan(rows, m); err != nil {
		return nil, err
	}
	for k, v := range m {
		row[k] = normalize(v)
	}
	return row, nil
}

// normalize converts driver byte slices (TEXT/VARCHAR on mysql) to strings.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func count(found bool) int64 {
	if found {
		return 1
	}
	return 0
}
