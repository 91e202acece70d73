// Package tui provides the operator console for the security monitor.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"secmon/internal/tui/api"
	"secmon/internal/tui/scenes"
	"secmon/internal/tui/styles"
)

// Scene indexes the console tabs.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneEvents
	SceneAlerts

	sceneCount = 3
)

// pane binds one scene's lifecycle into the tab table.
type pane struct {
	name   string
	init   func() tea.Cmd
	tick   func() tea.Cmd
	update func(tea.Msg) tea.Cmd
	view   func() string
}

// Model is the main console model.
type Model struct {
	client *api.Client
	scene  Scene

	dashboard *scenes.DashboardScene
	events    *scenes.EventsScene
	alerts    *scenes.AlertsScene
	panes     [sceneCount]pane

	width    int
	height   int
	quitting bool
}

// New creates a console model talking to baseURL. apiKey may be empty when
// the server runs without authentication.
func New(baseURL, apiKey string) *Model {
	client := api.NewClient(baseURL, apiKey)
	m := &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		events:    scenes.NewEventsScene(client),
		alerts:    scenes.NewAlertsScene(client),
	}
	m.panes = [sceneCount]pane{
		SceneDashboard: {
			name: "Dashboard", init: m.dashboard.Init, tick: m.dashboard.TickCmd, view: m.dashboard.View,
			update: func(msg tea.Msg) tea.Cmd { _, cmd := m.dashboard.Update(msg); return cmd },
		},
		SceneEvents: {
			name: "Events", init: m.events.Init, tick: m.events.TickCmd, view: m.events.View,
			update: func(msg tea.Msg) tea.Cmd { _, cmd := m.events.Update(msg); return cmd },
		},
		SceneAlerts: {
			name: "Alerts", init: m.alerts.Init, tick: m.alerts.TickCmd, view: m.alerts.View,
			update: func(msg tea.Msg) tea.Cmd { _, cmd := m.alerts.Update(msg); return cmd },
		},
	}
	return m
}

func (m *Model) active() pane { return m.panes[m.scene] }

// Init fetches the first dashboard and starts its ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.active().init(), m.active().tick())
}

// switchTo activates s, refetching its data and starting its ticker.
// Selecting the current tab does nothing.
func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	return tea.Batch(m.active().init(), m.active().tick())
}

// Update routes keys to tab switching, sizes to every scene and everything
// else to the active scene.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		case "1", "2", "3":
			return m, m.switchTo(Scene(key[0] - '1'))
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		for _, p := range m.panes {
			p.update(msg)
		}
		return m, nil

	case scenes.TickMsg:
		// Ticks from a scene that lost focus still land here; the active
		// ticker is always rescheduled.
		return m, tea.Batch(m.active().update(msg), m.active().tick())
	}

	return m, m.active().update(msg)
}

// View renders the tab bar, the active scene and the key help.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	return strings.Join([]string{m.renderHeader(), m.active().view(), m.renderFooter()}, "\n")
}

func (m *Model) renderHeader() string {
	tabs := make([]string, 0, sceneCount)
	for i, p := range m.panes {
		label := fmt.Sprintf(" %d %s ", i+1, p.name)
		if Scene(i) == m.scene {
			tabs = append(tabs, styles.TabActive.Render(label))
		} else {
			tabs = append(tabs, styles.TabInactive.Render(label))
		}
	}
	return styles.TabBar.Width(m.width).Render(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit ")
}

// Run starts the console and blocks until the operator quits.
func Run(baseURL, apiKey string) error {
	p := tea.NewProgram(New(baseURL, apiKey), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
