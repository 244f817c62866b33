package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// cliStyles holds the styles used for command output
type cliStyles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Border  lipgloss.Style
}

var styles = newStyles(lipgloss.DefaultRenderer())

func newStyles(r *lipgloss.Renderer) cliStyles {
	return cliStyles{
		Title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		Header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Padding(0, 1),
		Cell:    r.NewStyle().Padding(0, 1),
		Muted:   r.NewStyle().Foreground(lipgloss.Color("241")),
		Success: r.NewStyle().Foreground(lipgloss.Color("42")),
		Error:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Border:  r.NewStyle().Foreground(lipgloss.Color("238")),
	}
}

// renderTable lays out rows under headers with the CLI styles.
func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.Border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Header
			}
			return styles.Cell
		}).
		Headers(headers...).
		Rows(rows...)
	return t.Render()
}
