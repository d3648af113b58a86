package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"payout-guardian/internal/store"
)

const (
	listLimit       = 50
	refreshInterval = 5 * time.Second
)

// TickMsg drives the periodic refresh.
type TickMsg time.Time

type alertsMsg struct {
	alerts []*store.Alert
	err    error
}

type statsMsg struct {
	stats *store.Stats
	err   error
}

type actionDoneMsg struct {
	what string
	err  error
}

// Model is the alert console model.
type Model struct {
	client *Client

	alerts []*store.Alert
	stats  *store.Stats
	cursor int

	width    int
	height   int
	status   string
	quitting bool
}

// New creates a console model talking to the given daemon.
func New(baseURL string) *Model {
	return &Model{client: NewClient(baseURL)}
}

// Init starts the first fetch and the refresh ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchAlerts(), m.fetchStats(), m.tick())
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *Model) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		alerts, err := m.client.ListAlerts(listLimit)
		return alertsMsg{alerts: alerts, err: err}
	}
}

func (m *Model) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := m.client.GetStats()
		return statsMsg{stats: stats, err: err}
	}
}

// Update handles all messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchAlerts(), m.fetchStats(), m.tick())

	case alertsMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("fetch failed: %v", msg.err)
			return m, nil
		}
		m.alerts = msg.alerts
		if m.cursor >= len(m.alerts) {
			m.cursor = len(m.alerts) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, nil

	case statsMsg:
		if msg.err == nil {
			m.stats = msg.stats
		}
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.what, msg.err)
		} else {
			m.status = msg.what + " ok"
		}
		return m, m.fetchAlerts()
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.alerts)-1 {
			m.cursor++
		}

	case "r":
		if alert := m.selected(); alert != nil {
			id := alert.ID.String()
			return m, func() tea.Msg {
				return actionDoneMsg{what: "resolve", err: m.client.ResolveAlert(id, "console")}
			}
		}

	case "e":
		return m.retryCmd("email")

	case "c":
		return m.retryCmd("chat")

	case "R":
		m.status = "refreshing"
		return m, tea.Batch(m.fetchAlerts(), m.fetchStats())
	}
	return m, nil
}

func (m *Model) retryCmd(channel string) (tea.Model, tea.Cmd) {
	alert := m.selected()
	if alert == nil {
		return m, nil
	}
	id := alert.ID.String()
	return m, func() tea.Msg {
		return actionDoneMsg{
			what: "retry " + channel,
			err:  m.client.RetryChannel(id, channel),
		}
	}
}

func (m *Model) selected() *store.Alert {
	if m.cursor < 0 || m.cursor >= len(m.alerts) {
		return nil
	}
	return m.alerts[m.cursor]
}

// View renders the console.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(" Payout Guardian "))
	b.WriteString("  ")
	b.WriteString(m.renderStats())
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-10s %-22s %-18s %-10s %-13s %s",
		"SEVERITY", "TYPE", "ACCOUNT", "DELIVERY", "ACTION", "AGE")))
	b.WriteString("\n")

	if len(m.alerts) == 0 {
		b.WriteString(statusStyle.Render("  no open alerts"))
		b.WriteString("\n")
	}
	for i, alert := range m.alerts {
		b.WriteString(m.renderRow(i, alert))
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render("  " + m.status))
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render(" [↑↓/jk] Navigate  [r] Resolve  [e/c] Retry email/chat  [R] Refresh  [q] Quit "))
	return b.String()
}

func (m *Model) renderStats() string {
	if m.stats == nil {
		return statusStyle.Render("connecting...")
	}
	return statusStyle.Render(fmt.Sprintf("alerts: %d  dead letters: %d",
		m.stats.TotalAlerts, m.stats.DeadLetters))
}

func (m *Model) renderRow(i int, alert *store.Alert) string {
	sev := severityStyle(string(alert.Severity)).Render(fmt.Sprintf("%-10s", alert.Severity))
	line := fmt.Sprintf("%s %-22s %-18s %-10s %-13s %s",
		sev,
		alert.Type,
		alert.AccountID,
		alert.DeliverySummary(),
		alert.ActionStatus,
		formatAge(alert.CreatedAt),
	)
	if i == m.cursor {
		return selectedStyle.Render("> " + line)
	}
	return rowStyle.Render("  " + line)
}

func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

// Run starts the console application.
func Run(baseURL string) error {
	p := tea.NewProgram(New(baseURL), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
