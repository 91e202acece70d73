package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"secmon/internal/alerting"
	"secmon/internal/tui/api"
	"secmon/internal/tui/styles"
)

// AlertsScene lists active alerts and lets the operator triage them.
type AlertsScene struct {
	client     *api.Client
	alerts     []alerting.SecurityAlert
	err        string
	notice     string
	list       pager
	loading    bool
	lastUpdate time.Time
}

type alertsMsg struct {
	alerts []alerting.SecurityAlert
	err    string
}

type alertUpdatedMsg struct {
	alert *alerting.SecurityAlert
	err   error
}

// triageKeys maps keys to the status they move the selected alert to.
var triageKeys = map[string]alerting.AlertStatus{
	"i": alerting.StatusInvestigating,
	"x": alerting.StatusResolved,
	"f": alerting.StatusFalsePositive,
}

// NewAlertsScene creates a new alerts scene.
func NewAlertsScene(client *api.Client) *AlertsScene {
	return &AlertsScene{client: client, loading: true, list: pager{rows: 10}}
}

// Init fetches active alerts.
func (a *AlertsScene) Init() tea.Cmd {
	return a.fetchAlerts()
}

func (a *AlertsScene) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		resp, err := a.client.GetActiveAlerts()
		if err != nil {
			return alertsMsg{err: err.Error()}
		}
		return alertsMsg{alerts: resp.Alerts}
	}
}

func (a *AlertsScene) updateStatus(id string, status alerting.AlertStatus) tea.Cmd {
	return func() tea.Msg {
		alert, err := a.client.UpdateAlertStatus(id, status)
		return alertUpdatedMsg{alert: alert, err: err}
	}
}

// TickCmd schedules the next refresh.
func (a *AlertsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "alerts", Time: t}
	})
}

// Selected returns the alert under the cursor.
func (a *AlertsScene) Selected() (alerting.SecurityAlert, bool) {
	if a.list.cursor >= len(a.alerts) {
		return alerting.SecurityAlert{}, false
	}
	return a.alerts[a.list.cursor], true
}

// Update handles messages for the alerts scene.
func (a *AlertsScene) Update(msg tea.Msg) (*AlertsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.list.rows = max(5, msg.Height-16)
		return a, nil

	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "up", "k":
			a.list.up()
		case "down", "j":
			a.list.down(len(a.alerts))
		case "r":
			a.loading = true
			return a, a.fetchAlerts()
		default:
			if status, ok := triageKeys[key]; ok {
				if sel, ok := a.Selected(); ok {
					return a, a.updateStatus(sel.ID.String(), status)
				}
			}
		}
		return a, nil

	case alertsMsg:
		a.loading = false
		a.alerts = msg.alerts
		a.err = msg.err
		a.lastUpdate = time.Now()
		a.list.clamp(len(a.alerts))
		return a, nil

	case alertUpdatedMsg:
		if msg.err != nil {
			a.notice = "Update failed: " + msg.err.Error()
			return a, nil
		}
		a.notice = fmt.Sprintf("%s → %s", truncate(msg.alert.Title, 40), msg.alert.Status)
		return a, a.fetchAlerts()

	case TickMsg:
		if msg.Scene == "alerts" {
			return a, a.fetchAlerts()
		}
		return a, nil
	}
	return a, nil
}

// View renders the alert list.
func (a *AlertsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Active Alerts"))
	b.WriteString("\n\n")

	if a.loading && len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  Loading alerts..."))
		return b.String()
	}
	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}
	if len(a.alerts) == 0 {
		b.WriteString(styles.StatusOK.Render("  No active alerts."))
		b.WriteString("\n")
	} else {
		header := fmt.Sprintf("  %-10s %-10s %-14s %-6s %s", "Time", "Severity", "Status", "Events", "Title")
		b.WriteString(styles.TableHeader.Render(header))
		b.WriteString("\n")
		lo, hi := a.list.window(len(a.alerts))
		for i := lo; i < hi; i++ {
			alert := a.alerts[i]
			row := fmt.Sprintf("  %-10s %s %-14s %-6d %s",
				alert.Timestamp.Local().Format("15:04:05"),
				formatSeverity(alert.Severity),
				alert.Status,
				len(alert.Events),
				truncate(alert.Title, 50))
			if i == a.list.cursor {
				row = styles.SelectedRow.Render(row)
			}
			b.WriteString(row)
			b.WriteString("\n")
		}
		if sel, ok := a.Selected(); ok && len(sel.Recommendations) > 0 {
			b.WriteString("\n")
			b.WriteString(styles.Subtitle.Render("  Recommendations"))
			b.WriteString("\n")
			for _, rec := range sel.Recommendations {
				b.WriteString("  • " + rec + "\n")
			}
		}
	}

	if a.notice != "" {
		b.WriteString("\n")
		b.WriteString(styles.StatusWarning.Render("  " + a.notice))
		b.WriteString("\n")
	}
	b.WriteString(styles.Muted.Render("\n  [i] Investigate  [x] Resolve  [f] False positive  [r] Refresh"))
	return b.String()
}
