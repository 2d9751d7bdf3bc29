package print

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bgunnarsson/sqlwrap/internal/db"
)

type Options struct {
	MaxWidth int // max width for each column, 0 = no limit
}

// RenderResult writes res in a form matching its kind: a table for row
// results, the bare value for a column, a one-line summary for writes.
func RenderResult(w io.Writer, res db.Result, opts Options) {
	switch res.Kind {
	case db.KindInsertID:
		fmt.Fprintf(w, "last insert id: %d\n", res.LastInsertID)
	case db.KindRowCount:
		fmt.Fprintf(w, "%d %s affected\n", res.RowsAffected, plural(res.RowsAffected, "row", "rows"))
	case db.KindColumn:
		if !res.Found {
			fmt.Fprintln(w, "(no rows)")
			return
		}
		fmt.Fprintln(w, FormatCell(res.Value))
	default:
		header, data := Cells(res)
		if len(header) == 0 {
			fmt.Fprintln(w, "(no columns)")
			return
		}
		RenderTable(w, header, data, opts)
		fmt.Fprintf(w, "(%d %s)\n", len(data), plural(int64(len(data)), "row", "rows"))
	}
}

// Cells flattens the rows of res into formatted cells ordered by
// res.Columns.
func Cells(res db.Result) (header []string, data [][]string) {
	header = res.Columns

	rows := res.Rows
	if res.Kind == db.KindRow {
		rows = nil
		if res.Found {
			rows = []db.Row{res.Row}
		}
	}

	data = make([][]string, 0, len(rows))
	for _, r := range rows {
		cells := make([]string, len(header))
		for i, col := range header {
			v, ok := r[col]
			if !ok {
				// "num" fetch mode keys cells by position
				v = r[strconv.Itoa(i)]
			}
			cells[i] = FormatCell(v)
		}
		data = append(data, cells)
	}
	return header, data
}

// RenderTable writes an ASCII table.
func RenderTable(w io.Writer, header []string, data [][]string, opts Options) {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 40
	}

	cols := len(header)

	// compute widths
	widths := make([]int, cols)
	for i, name := range header {
		widths[i] = min(utf8.RuneCountInString(name), opts.MaxWidth)
	}
	for _, r := range data {
		for i, cell := range r {
			if l := min(utf8.RuneCountInString(cell), opts.MaxWidth); l > widths[i] {
				widths[i] = l
			}
		}
	}

	sep := func(ch string) string {
		var b strings.Builder
		b.WriteString("+")
		for i := range widths {
			b.WriteString(strings.Repeat(ch, widths[i]+2))
			b.WriteString("+")
		}
		return b.String()
	}

	writeRow := func(cells []string) {
		var b strings.Builder
		b.WriteString("|")
		for i, c := range cells {
			cut := truncate(c, widths[i])
			b.WriteString(" ")
			b.WriteString(padRight(cut, widths[i]))
			b.WriteString(" |")
		}
		fmt.Fprintln(w, b.String())
	}

	fmt.Fprintln(w, sep("-"))
	writeRow(header)
	fmt.Fprintln(w, sep("="))
	for _, r := range data {
		writeRow(r)
	}
	fmt.Fprintln(w, sep("-"))
}

// FormatCell renders one value the way the table shows it.
func FormatCell(v any) string {
	if v == nil {
		return "NULL"
	}
	switch t := v.(type) {
	case string:
		if isPrintable(t) {
			return t
		}
		return fmt.Sprintf("<blob %d bytes>", len(t))
	case []byte:
		s := string(t)
		if isPrintable(s) {
			return s
		}
		return fmt.Sprintf("<blob %d bytes>", len(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}

func padRight(s string, w int) string {
	n := utf8.RuneCountInString(s)
	if n >= w {
		return s
	}
	return s + strings.Repeat(" ", w-n)
}

// truncate cuts s to w runes, marking the cut with "..." when there is room.
func truncate(s string, w int) string {
	if utf8.RuneCountInString(s) <= w {
		return s
	}
	if w <= 2 {
		return firstRunes(s, w)
	}
	return firstRunes(s, w-3) + "..."
}

func firstRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
