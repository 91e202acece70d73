package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"secmon/internal/schema"
	"secmon/internal/tui/api"
	"secmon/internal/tui/styles"
)

// severityFilters is the cycle of minimum severities behind the [s] key.
var severityFilters = []schema.Severity{
	"", schema.SeverityLow, schema.SeverityMedium, schema.SeverityHigh, schema.SeverityCritical,
}

// EventsScene is a scrolling table of recent events with a detail pane for
// the selected row.
type EventsScene struct {
	client *api.Client

	all        []schema.SecurityEvent
	shown      []schema.SecurityEvent
	filter     int // index into severityFilters
	list       pager
	err        string
	loading    bool
	lastUpdate time.Time
}

type eventsMsg struct {
	events []schema.SecurityEvent
	err    string
}

// NewEventsScene creates a new events scene.
func NewEventsScene(client *api.Client) *EventsScene {
	return &EventsScene{client: client, loading: true, list: pager{rows: 10}}
}

// Init fetches the latest events.
func (e *EventsScene) Init() tea.Cmd {
	return e.fetch()
}

func (e *EventsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		resp, err := e.client.GetEvents(100)
		if err != nil {
			return eventsMsg{err: err.Error()}
		}
		return eventsMsg{events: resp.Events}
	}
}

// TickCmd schedules the next refresh.
func (e *EventsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "events", Time: t}
	})
}

// applyFilter rebuilds the visible rows from the last fetch.
func (e *EventsScene) applyFilter() {
	floor := severityFilters[e.filter]
	e.shown = e.shown[:0]
	for _, ev := range e.all {
		if floor == "" || ev.Severity.Rank() >= floor.Rank() {
			e.shown = append(e.shown, ev)
		}
	}
	e.list.clamp(len(e.shown))
}

// Update handles messages for the events scene.
func (e *EventsScene) Update(msg tea.Msg) (*EventsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		// Leave room for the header, the detail pane and the footer.
		e.list.rows = max(5, msg.Height-18)

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			e.list.up()
		case "down", "j":
			e.list.down(len(e.shown))
		case "s":
			e.filter = (e.filter + 1) % len(severityFilters)
			e.applyFilter()
		case "r":
			e.loading = true
			return e, e.fetch()
		}

	case eventsMsg:
		e.loading = false
		e.err = msg.err
		e.all = msg.events
		e.lastUpdate = time.Now()
		e.applyFilter()

	case TickMsg:
		if msg.Scene == "events" {
			return e, e.fetch()
		}
	}
	return e, nil
}

// View renders the events table.
func (e *EventsScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Security Events"))
	b.WriteString("\n\n")

	switch {
	case e.loading && len(e.all) == 0:
		b.WriteString(styles.Muted.Render("  Loading events..."))
		return b.String()
	case e.err != "":
		b.WriteString(styles.StatusError.Render("  Error: " + e.err))
		b.WriteString("\n\n" + styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	case len(e.all) == 0:
		b.WriteString(styles.Muted.Render("  No events found."))
		b.WriteString("\n\n" + styles.Muted.Render("  Send observations to POST /v1/observations or POST /v1/events."))
		return b.String()
	}

	summary := fmt.Sprintf("  Showing %d events", len(e.shown))
	if floor := severityFilters[e.filter]; floor != "" {
		summary += fmt.Sprintf(" (severity >= %s, %d hidden)", floor, len(e.all)-len(e.shown))
	}
	if e.loading {
		summary += "  (refreshing...)"
	}
	b.WriteString(styles.Subtitle.Render(summary))
	b.WriteString("\n\n")

	b.WriteString(styles.TableHeader.Render(fmt.Sprintf("  %-10s %-10s %-24s %-16s %-5s %s",
		"Time", "Severity", "Type", "Source", "Risk", "Flags")))
	b.WriteString("\n")

	lo, hi := e.list.window(len(e.shown))
	for i := lo; i < hi; i++ {
		row := eventRow(e.shown[i])
		if i == e.list.cursor {
			row = styles.SelectedRow.Render(row)
		}
		b.WriteString(row + "\n")
	}

	if e.list.cursor < len(e.shown) {
		b.WriteString("\n" + eventDetail(e.shown[e.list.cursor]))
	}

	footer := "\n  [↑↓] scroll  [s] severity filter  [r] refresh"
	if len(e.shown) > hi-lo {
		footer = fmt.Sprintf("\n  %d-%d of %d  [↑↓] scroll  [s] severity filter  [r] refresh", lo+1, hi, len(e.shown))
	}
	if !e.lastUpdate.IsZero() {
		footer += "  |  Updated: " + e.lastUpdate.Format("15:04:05")
	}
	b.WriteString(styles.Muted.Render(footer))
	return b.String()
}

func eventFlags(ev schema.SecurityEvent) string {
	var flags []string
	if n := len(ev.Metadata.ThreatMatches); n > 0 {
		flags = append(flags, fmt.Sprintf("IOC×%d", n))
	}
	if ev.Metadata.Anomalous {
		flags = append(flags, "ANOMALY")
	}
	return strings.Join(flags, " ")
}

func eventRow(ev schema.SecurityEvent) string {
	return fmt.Sprintf("  %-10s %s %-24s %-16s %-5.2f %s",
		ev.Timestamp.Local().Format("15:04:05"),
		formatSeverity(ev.Severity),
		truncate(string(ev.Type), 24),
		truncate(ev.Source, 16),
		ev.RiskScore,
		eventFlags(ev))
}

// eventDetail renders the pane under the table: description, correlation
// and every indicator the event matched.
func eventDetail(ev schema.SecurityEvent) string {
	var b strings.Builder
	b.WriteString(styles.Subtitle.Render("  Details") + "\n")
	fmt.Fprintf(&b, "  id: %s\n", ev.ID)
	if ev.Description != "" {
		fmt.Fprintf(&b, "  %s\n", truncate(ev.Description, 100))
	}
	if ev.CorrelationID != "" {
		fmt.Fprintf(&b, "  correlation: %s\n", ev.CorrelationID)
	}
	for _, m := range ev.Metadata.ThreatMatches {
		fmt.Fprintf(&b, "  ioc %s %s=%s (%s, confidence %.2f)\n",
			m.IndicatorID, m.Type, m.Value, m.Severity, m.Confidence)
	}
	return b.String()
}
