// Package styles holds the console palette and shared lipgloss styles.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"secmon/internal/schema"
)

// Palette.
var (
	Accent     = lipgloss.Color("#2563EB")
	Healthy    = lipgloss.Color("#16A34A")
	Amber      = lipgloss.Color("#D97706")
	Red        = lipgloss.Color("#DC2626")
	Magenta    = lipgloss.Color("#C026D3")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")
)

func fg(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

func bold(c lipgloss.Color) lipgloss.Style { return fg(c).Bold(true) }

// underlined draws a thin muted rule below s.
func underlined(s lipgloss.Style) lipgloss.Style {
	return s.BorderBottom(true).BorderStyle(lipgloss.NormalBorder()).BorderForeground(MutedColor)
}

// Text.
var (
	Muted    = fg(MutedColor)
	Title    = bold(Accent).MarginBottom(1)
	Subtitle = Muted.Italic(true)
	Help     = Muted.MarginTop(1)

	StatusOK      = bold(Healthy)
	StatusWarning = bold(Amber)
	StatusError   = bold(Red)
)

// Tabs and tables.
var (
	TabActive   = bold(White).Background(Accent).Padding(0, 2)
	TabInactive = Muted.Padding(0, 2)
	TabBar      = underlined(lipgloss.NewStyle())
	TableHeader = underlined(bold(Accent))
	SelectedRow = fg(White).Background(Accent)
)

// Dashboard widgets.
var (
	MetricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 2).
			Width(18).
			Align(lipgloss.Center)
	MetricValue = bold(Accent)
	MetricLabel = Muted
	TrendBar    = fg(Accent)
)

// Severity returns the style for sev. Unknown and info severities are muted.
func Severity(sev schema.Severity) lipgloss.Style {
	switch sev {
	case schema.SeverityCritical:
		return bold(Magenta)
	case schema.SeverityHigh:
		return StatusError
	case schema.SeverityMedium:
		return StatusWarning
	case schema.SeverityLow:
		return StatusOK
	}
	return Muted
}
