// Package scenes provides the console views.
package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"secmon/internal/metrics"
	"secmon/internal/tui/api"
	"secmon/internal/tui/styles"
)

const (
	dashboardRefresh = 2 * time.Second
	trendWidth       = 30
)

// DashboardScene shows service health next to the security overview.
type DashboardScene struct {
	client *api.Client

	health  *api.HealthResponse
	summary *metrics.SecurityDashboard
	err     error

	fetched time.Time
	loading bool
}

type dashboardMsg struct {
	health  *api.HealthResponse
	summary *metrics.SecurityDashboard
	err     error
}

func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{client: client, loading: true}
}

func (d *DashboardScene) Init() tea.Cmd { return d.fetch() }

// fetch asks for health first; the overview is skipped when the monitor
// cannot be reached at all.
func (d *DashboardScene) fetch() tea.Cmd {
	return func() tea.Msg {
		health, err := d.client.GetHealth()
		if err != nil {
			return dashboardMsg{err: err}
		}
		summary, err := d.client.GetDashboard()
		return dashboardMsg{health: health, summary: summary, err: err}
	}
}

// TickCmd schedules the next refresh. The parent model returns it only
// while this scene is active.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(dashboardRefresh, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case dashboardMsg:
		d.loading, d.err, d.fetched = false, msg.err, time.Now()
		// Keep the last good data on screen through a failed refresh.
		if msg.health != nil {
			d.health = msg.health
		}
		if msg.summary != nil {
			d.summary = msg.summary
		}
	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetch()
		}
	}
	return d, nil
}

func (d *DashboardScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Security Monitor") + "\n\n")
	if d.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}
	if d.err != nil {
		b.WriteString(styles.StatusError.Render("Error: "+d.err.Error()) + "\n")
	}

	fmt.Fprintf(&b, "  Status: %s\n\n", d.statusBadge())
	if h := d.health; h != nil {
		b.WriteString(cardRow(
			card{"Accepted", formatNumber(int64(h.Accepted))},
			card{"Rejected", formatNumber(int64(h.Rejected))},
			card{"Queue", fmt.Sprintf("%d/%d", h.QueueDepth, h.QueueCapacity)},
			card{"Uptime", api.FormatUptime(h.UptimeSeconds)},
		))
	}
	if s := d.summary; s != nil {
		b.WriteString(cardRow(
			card{"Events 24h", formatNumber(int64(s.EventsLast24h))},
			card{"Events 7d", formatNumber(int64(s.EventsLast7d))},
			card{"Critical 24h", formatNumber(int64(s.CriticalLast24h))},
			card{"Active Alerts", formatNumber(int64(len(s.ActiveAlerts)))},
		))
		section(&b, "Daily trend", trendLines(s.DailyTrend))
		section(&b, "Top threats", threatLines(s.TopThreats))
	}

	if !d.fetched.IsZero() {
		b.WriteString("\n" + styles.Muted.Render("  Last updated: "+d.fetched.Format(time.TimeOnly)))
	}
	return b.String()
}

func (d *DashboardScene) statusBadge() string {
	switch {
	case d.health == nil:
		return styles.StatusError.Render("● UNREACHABLE")
	case d.health.Status == "healthy":
		return styles.StatusOK.Render("● HEALTHY")
	}
	return styles.StatusWarning.Render("● " + strings.ToUpper(d.health.Status))
}

type card struct{ label, value string }

func cardRow(cards ...card) string {
	rendered := make([]string, len(cards))
	for i, c := range cards {
		rendered[i] = styles.MetricCard.Render(styles.MetricValue.Render(c.value) + "\n" + styles.MetricLabel.Render(c.label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...) + "\n\n"
}

func section(b *strings.Builder, title string, lines []string) {
	b.WriteString(styles.Subtitle.Render("  "+title) + "\n")
	for _, l := range lines {
		b.WriteString("  " + l + "\n")
	}
	b.WriteString("\n")
}

// trendLines draws one bar per bucket, scaled to the busiest bucket.
func trendLines(buckets []metrics.Bucket) []string {
	peak := 0
	for _, bk := range buckets {
		peak = max(peak, bk.Count)
	}
	lines := make([]string, 0, len(buckets))
	for _, bk := range buckets {
		n := 0
		if peak > 0 {
			n = bk.Count * trendWidth / peak
		}
		bar := styles.TrendBar.Render(strings.Repeat("█", n))
		lines = append(lines, fmt.Sprintf("%s %s %d", bk.Start.Format("Jan 02"), bar, bk.Count))
	}
	return lines
}

func threatLines(top []metrics.IndicatorCount) []string {
	if len(top) == 0 {
		return []string{styles.Muted.Render("none in the last 7 days")}
	}
	lines := make([]string, len(top))
	for i, t := range top {
		lines[i] = fmt.Sprintf("%-10s %-40s %d", t.Type, truncate(t.Value, 40), t.Matches)
	}
	return lines
}
