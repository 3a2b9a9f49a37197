package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/history"
)

// TableColumn defines a table column with name and width.
type TableColumn struct {
	Title string
	Width int
}

// NewTable creates a new Bubbles table with default styling.
func NewTable(columns []TableColumn, rows []table.Row) table.Model {
	cols := make([]table.Column, len(columns))
	for i, c := range columns {
		cols[i] = table.Column{
			Title: c.Title,
			Width: c.Width,
		}
	}

	t := table.New(
		table.WithColumns(cols),
		table.WithRows(rows),
		table.WithFocused(false),
		table.WithHeight(len(rows)+1), // +1 for header
	)

	// Apply styling
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(string(ColorMuted))).
		BorderBottom(true).
		Bold(true).
		Foreground(lipgloss.Color(string(ColorPrimary)))
	s.Cell = s.Cell.
		Foreground(lipgloss.Color(string(ColorPrimary)))
	s.Selected = s.Selected.
		Foreground(lipgloss.Color(string(ColorPrimary))).
		Background(lipgloss.Color(string(ColorMuted))).
		Bold(false)

	t.SetStyles(s)
	return t
}

// RenderSimpleTable renders a non-interactive table string.
// This is for CLI output (not TUI), producing a simple formatted table.
func RenderSimpleTable(columns []TableColumn, rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	// Create the table
	tableRows := make([]table.Row, len(rows))
	for i, row := range rows {
		tableRows[i] = table.Row(row)
	}

	t := NewTable(columns, tableRows)
	return t.View()
}

// padRight pads a string to the specified width.
func padRight(s string, width int) string {
	// Account for ANSI codes when calculating visible length
	visibleLen := lipgloss.Width(s)
	if visibleLen >= width {
		return s
	}
	padding := width - visibleLen
	for i := 0; i < padding; i++ {
		s += " "
	}
	return s
}

// RenderTargets renders a NAME / INSTANCE / ADDRESS listing.
func RenderTargets(targets []fleet.Target) string {
	if len(targets) == 0 {
		return "No matching hosts"
	}
	rows := make([][]string, len(targets))
	nameW, idW, addrW := len("NAME"), len("INSTANCE"), len("ADDRESS")
	for i, t := range targets {
		name := t.Name
		if name == "" {
			name = "-"
		}
		rows[i] = []string{name, t.ID, t.Address}
		nameW = max(nameW, len(name))
		idW = max(idW, len(t.ID))
		addrW = max(addrW, len(t.Address))
	}
	return RenderSimpleTable([]TableColumn{
		{Title: "NAME", Width: nameW + 2},
		{Title: "INSTANCE", Width: idW + 2},
		{Title: "ADDRESS", Width: addrW + 2},
	}, rows)
}

// RenderRuns renders the history listing.
func RenderRuns(runs []history.Run) string {
	if len(runs) == 0 {
		return "No runs recorded"
	}
	rows := make([][]string, len(runs))
	cmdW := len("COMMAND")
	for i, r := range runs {
		cmd := r.Command
		if len(cmd) > 48 {
			cmd = cmd[:45] + "..."
		}
		cmdW = max(cmdW, len(cmd))
		rows[i] = []string{
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			cmd,
			fmt.Sprintf("%d/%d ok", r.Summary.Succeeded, r.Summary.Total),
			formatDuration(r.Duration),
		}
	}
	return RenderSimpleTable([]TableColumn{
		{Title: "RUN", Width: 10},
		{Title: "STARTED", Width: 21},
		{Title: "COMMAND", Width: cmdW + 2},
		{Title: "RESULT", Width: 14},
		{Title: "TIME", Width: 8},
	}, rows)
}

// shortID trims a UUID to its first block for display; Hosts accepts the
// prefix back.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
