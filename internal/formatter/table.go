package formatter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Table formats columnar CLI output using tabwriter.
type Table struct {
	w             *tabwriter.Writer
	headers       []string
	maxWidth      map[int]int // column index -> max width (0 = unlimited)
	rows          int
	headerWritten bool
}

// NewTable creates a table that writes to w with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{
		w:        tabwriter.NewWriter(w, 0, 0, 2, ' ', 0),
		headers:  headers,
		maxWidth: make(map[int]int),
	}
}

// SetMaxWidth sets the maximum display width for a column (0-indexed).
// Longer values are truncated with "...".
func (t *Table) SetMaxWidth(col, width int) *Table {
	t.maxWidth[col] = width
	return t
}

// AddRow appends a data row. Values are formatted with fmt.Sprint; extra
// values are dropped and missing ones left blank.
func (t *Table) AddRow(values ...any) {
	if !t.headerWritten {
		t.headerWritten = true
		t.writeCells(t.headers)
		seps := make([]string, len(t.headers))
		for i, h := range t.headers {
			seps[i] = strings.Repeat("-", len(h))
		}
		t.writeCells(seps)
	}

	cells := make([]string, len(t.headers))
	for i := range cells {
		if i < len(values) {
			cells[i] = t.truncate(i, fmt.Sprint(values[i]))
		}
	}
	t.writeCells(cells)
	t.rows++
}

// Rows returns the number of data rows added.
func (t *Table) Rows() int { return t.rows }

// Render flushes the table. With no rows nothing is written.
func (t *Table) Render() error {
	return t.w.Flush()
}

func (t *Table) writeCells(cells []string) {
	//nolint:errcheck // tabwriter buffers; errors surface in Flush
	fmt.Fprintln(t.w, strings.Join(cells, "\t"))
}

func (t *Table) truncate(col int, s string) string {
	limit, ok := t.maxWidth[col]
	if !ok || limit <= 0 || len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}
