package ui

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bgunnarsson/sqlwrap/internal/db"
	"github.com/bgunnarsson/sqlwrap/internal/print"
)

// Session is what the shell drives. *db.Connection implements it.
type Session interface {
	Query(ctx context.Context, query string, binds []any, shape db.FetchShape) (db.Result, error)
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	InTransaction() bool
}

// Catppuccin Mocha.
var (
	colorBorder = lipgloss.Color("#595B72")
	colorTitle  = lipgloss.Color("#89DCEB")
	colorAccent = lipgloss.Color("#C0A1F0")
	colorText   = lipgloss.Color("#CDD6F4")
	colorSubtle = lipgloss.Color("#9399B2")
	colorGreen  = lipgloss.Color("#A6E3A1")
	colorYellow = lipgloss.Color("#F9E2AF")
	colorRed    = lipgloss.Color("#F38BA8")

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Foreground(colorTitle).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(colorAccent)
	textStyle   = lipgloss.NewStyle().Foreground(colorText)
	subtleStyle = lipgloss.NewStyle().Foreground(colorSubtle)
)

type focus int

const (
	focusQuery focus = iota
	focusResult
)

type overlay int

const (
	overlayNone overlay = iota
	overlayHelp
	overlayRow
)

type statusLevel int

const (
	statusInfo statusLevel = iota
	statusBusy
	statusOK
	statusError
)

const maxColWidth = 40

type queryMsg struct {
	sql     string
	res     db.Result
	err     error
	elapsed time.Duration
	inTx    bool
}

type txMsg struct {
	op   string
	err  error
	inTx bool
}

type shell struct {
	ctx   context.Context
	sess  Session
	label string

	input  textinput.Model
	result table.Model
	focus  focus

	overlay overlay
	detail  string

	status      string
	statusLevel statusLevel
	running     bool
	// inTx mirrors the session's transaction state. Commands run off the
	// event loop, so View reads this copy instead of the session.
	inTx bool

	header []string
	data   [][]string

	width, height int
}

// Run starts the interactive shell and blocks until the user quits.
func Run(ctx context.Context, sess Session, label string) error {
	p := tea.NewProgram(newShell(ctx, sess, label), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func newShell(ctx context.Context, sess Session, label string) *shell {
	in := textinput.New()
	in.Prompt = "> "
	in.Placeholder = "SELECT ..."
	in.Focus()

	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorBorder).
		BorderBottom(true).
		Bold(true)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("#1E1E2E")).
		Background(colorAccent)

	tbl := table.New(table.WithHeight(10))
	tbl.SetStyles(st)

	return &shell{
		ctx:    ctx,
		sess:   sess,
		label:  label,
		input:  in,
		result: tbl,
		status: "Type a query and press Enter. Ctrl+G for help.",
		inTx:   sess.InTransaction(),
	}
}

func (s *shell) Init() tea.Cmd {
	return textinput.Blink
}

func (s *shell) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width, s.height = msg.Width, msg.Height
		s.layout()
		return s, nil

	case queryMsg:
		s.running = false
		s.inTx = msg.inTx
		s.applyResult(msg)
		return s, nil

	case txMsg:
		s.running = false
		s.inTx = msg.inTx
		if msg.err != nil {
			s.setStatus(statusError, fmt.Sprintf("%s failed: %v", msg.op, msg.err))
		} else {
			s.setStatus(statusOK, msg.op+" OK")
		}
		return s, nil

	case tea.KeyMsg:
		return s.handleKey(msg)
	}

	return s, nil
}

func (s *shell) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	switch key {
	case "ctrl+c", "ctrl+q":
		return s, tea.Quit
	}

	// overlays swallow everything but their close keys
	if s.overlay != overlayNone {
		switch key {
		case "esc", "enter", "ctrl+g":
			s.overlay = overlayNone
		}
		return s, nil
	}

	switch key {
	case "ctrl+g":
		s.overlay = overlayHelp
		return s, nil
	case "tab":
		s.toggleFocus()
		return s, nil
	case "ctrl+t":
		return s.transaction("begin")
	case "ctrl+o":
		return s.transaction("commit")
	case "ctrl+b":
		return s.transaction("rollback")
	}

	if s.focus == focusResult {
		switch key {
		case "enter":
			s.expandCurrentRow()
			return s, nil
		case "esc":
			s.toggleFocus()
			return s, nil
		}
		var cmd tea.Cmd
		s.result, cmd = s.result.Update(msg)
		return s, cmd
	}

	if key == "enter" {
		sql := strings.TrimSpace(s.input.Value())
		if sql == "" || s.running {
			return s, nil
		}
		s.running = true
		s.setStatus(statusBusy, "Running query… "+truncateInline(sql, 80))
		return s, s.runQuery(sql)
	}

	var cmd tea.Cmd
	s.input, cmd = s.input.Update(msg)
	return s, cmd
}

func (s *shell) toggleFocus() {
	if s.focus == focusQuery {
		s.focus = focusResult
		s.input.Blur()
		s.result.Focus()
		return
	}
	s.focus = focusQuery
	s.result.Blur()
	s.input.Focus()
}

func (s *shell) runQuery(sql string) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		res, err := s.sess.Query(s.ctx, sql, nil, db.FetchAll)
		elapsed := time.Since(start)
		return queryMsg{sql: sql, res: res, err: err, elapsed: elapsed, inTx: s.sess.InTransaction()}
	}
}

func (s *shell) transaction(op string) (tea.Model, tea.Cmd) {
	if s.running {
		return s, nil
	}
	s.running = true
	s.setStatus(statusBusy, op+"…")

	return s, func() tea.Msg {
		var err error
		switch op {
		case "begin":
			err = s.sess.Begin(s.ctx)
		case "commit":
			err = s.sess.Commit()
		default:
			err = s.sess.Rollback()
		}
		return txMsg{op: op, err: err, inTx: s.sess.InTransaction()}
	}
}

func (s *shell) applyResult(msg queryMsg) {
	if msg.err != nil {
		s.setStatus(statusError, fmt.Sprintf("Query error: %v", msg.err))
		return
	}

	elapsed := msg.elapsed.Truncate(time.Millisecond)
	switch msg.res.Kind {
	case db.KindInsertID:
		s.setStatus(statusOK, fmt.Sprintf("Query OK (last insert id %d, %s)", msg.res.LastInsertID, elapsed))
		return
	case db.KindRowCount:
		s.setStatus(statusOK, fmt.Sprintf("Query OK (%d rows affected, %s)", msg.res.RowsAffected, elapsed))
		return
	}

	s.renderRows(msg.res)
	s.setStatus(statusOK, fmt.Sprintf("Query OK (%d rows, %s)", len(s.data), elapsed))
}

func (s *shell) renderRows(res db.Result) {
	header, data := print.Cells(res)
	s.header, s.data = header, data

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = min(runeLen(h), maxColWidth)
	}
	for _, row := range data {
		for i, cell := range row {
			widths[i] = max(widths[i], min(runeLen(cell), maxColWidth))
		}
	}

	cols := make([]table.Column, len(header))
	for i, h := range header {
		cols[i] = table.Column{Title: h, Width: widths[i]}
	}
	rows := make([]table.Row, len(data))
	for i, row := range data {
		cells := make(table.Row, len(row))
		for j, cell := range row {
			if runeLen(cell) > maxColWidth {
				cell = truncateRunes(cell, maxColWidth-1) + "…"
			}
			if looksNumeric(cell) {
				cell = fmt.Sprintf("%*s", widths[j], cell)
			}
			cells[j] = cell
		}
		rows[i] = cells
	}

	// rows must never be wider than the columns while swapping
	s.result.SetRows(nil)
	s.result.SetColumns(cols)
	s.result.SetRows(rows)
	s.result.GotoTop()
}

func (s *shell) expandCurrentRow() {
	if len(s.data) == 0 {
		return
	}
	idx := s.result.Cursor()
	if idx < 0 || idx >= len(s.data) {
		return
	}

	var b strings.Builder
	for i, col := range s.header {
		b.WriteString(titleStyle.Render(col))
		b.WriteString(":\n  ")
		b.WriteString(s.data[idx][i])
		b.WriteString("\n\n")
	}
	s.detail = strings.TrimRight(b.String(), "\n")
	s.overlay = overlayRow
}

func (s *shell) setStatus(level statusLevel, msg string) {
	s.statusLevel = level
	s.status = msg
}

func (s *shell) layout() {
	w := max(s.width-4, 20)
	s.input.Width = w - 2
	s.result.SetWidth(w)
	// header, query and status boxes take three lines each
	s.result.SetHeight(max(s.height-3*3-4, 3))
}

func (s *shell) View() string {
	switch s.overlay {
	case overlayHelp:
		return s.modal("Help", helpText)
	case overlayRow:
		return s.modal("Row detail", s.detail)
	}

	w := max(s.width-2, 20)

	tx := ""
	if s.inTx {
		tx = "  " + lipgloss.NewStyle().Foreground(colorYellow).Render("[transaction]")
	}
	header := boxStyle.Width(w).Render(
		titleStyle.Render("SQLWRAP") + "  " + accentStyle.Render(strings.ToUpper(s.label)) + tx)

	results := boxStyle.Width(w).Render(s.result.View())
	query := boxStyle.Width(w).Render(s.input.View())
	status := boxStyle.Width(w).Render(s.statusStyle().Render(s.status))

	return lipgloss.JoinVertical(lipgloss.Left, header, results, query, status)
}

func (s *shell) statusStyle() lipgloss.Style {
	switch s.statusLevel {
	case statusBusy:
		return lipgloss.NewStyle().Foreground(colorYellow)
	case statusOK:
		return lipgloss.NewStyle().Foreground(colorGreen)
	case statusError:
		return lipgloss.NewStyle().Foreground(colorRed)
	default:
		return subtleStyle
	}
}

func (s *shell) modal(title, body string) string {
	box := boxStyle.
		Padding(1, 2).
		Render(titleStyle.Render(title) + "\n\n" + textStyle.Render(body) +
			"\n\n" + subtleStyle.Render("ESC/Enter/Ctrl+G to close"))
	if s.width == 0 || s.height == 0 {
		return box
	}
	return lipgloss.Place(s.width, s.height, lipgloss.Center, lipgloss.Center, box)
}

const helpText = `Global
  Ctrl+Q / Ctrl+C   Quit
  Ctrl+G            Toggle this help
  Tab               Switch between query and results

Transactions
  Ctrl+T            Begin
  Ctrl+O            Commit
  Ctrl+B            Rollback

Query input
  Enter             Run SQL in the input

Results
  ↑ / ↓             Move between rows
  Enter             Expand current row
  Esc               Back to the query input`

func truncateInline(s string, max int) string {
	if max <= 0 || runeLen(s) <= max {
		return s
	}
	if max <= 3 {
		return truncateRunes(s, max)
	}
	return truncateRunes(s, max-3) + "..."
}

// runeLen counts runes so we don’t under/over-pad UTF-8 text.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if runeLen(s) <= n {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for _, r := range s {
		if i >= n {
			break
		}
		b.WriteRune(r)
		i++
	}
	return b.String()
}

func looksNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	hasDigit := false
	for i, r := range s {
		if r == '+' || r == '-' {
			if i != 0 {
				return false
			}
			continue
		}
		if r == '.' || r == ',' {
			continue
		}
		if unicode.IsDigit(r) {
			hasDigit = true
			continue
		}
		return false
	}
	return hasDigit
}
