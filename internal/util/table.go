package util

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// TableColumn is one column of a rendered table.
type TableColumn struct {
	Header string
	Key    string // key into each row
	Width  int    // computed while rendering
}

// RenderTable writes rows as left-aligned columns sized to their widest
// cell. ANSI colour codes do not count towards the width.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = displayWidth(columns[i].Header)
		for _, row := range rows {
			if n := displayWidth(cell(row, columns[i].Key)); n > columns[i].Width {
				columns[i].Width = n
			}
		}
	}

	line := func(value func(TableColumn) string) {
		parts := make([]string, len(columns))
		for i, col := range columns {
			parts[i] = pad(value(col), col.Width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, " "), " "))
	}
	line(func(c TableColumn) string { return c.Header })
	line(func(c TableColumn) string { return strings.Repeat("-", c.Width) })
	for _, row := range rows {
		line(func(c TableColumn) string { return cell(row, c.Key) })
	}
}

func cell(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.IndexByte(s[start:], 'm')
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func pad(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
