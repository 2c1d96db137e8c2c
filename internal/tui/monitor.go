package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/dispatch"
	"github.com/mattjoyce/snapsvc/internal/events"
)

const (
	maxEventLog     = 50
	refreshInterval = 2 * time.Second
	reconnectDelay  = 3 * time.Second
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// Model is the bubbletea model behind `snapsvc monitor`.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health    healthMsg
	status    dispatch.Status
	eventLog  []events.Event
	hubEvents chan events.Event
	connected bool
	lastErr   error

	workerTable table.Model
}

func NewMonitor(apiURL, apiKey string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Worker", Width: 28},
			{Title: "State", Width: 10},
			{Title: "Queue", Width: 6},
			{Title: "Done", Width: 6},
			{Title: "Fail", Width: 6},
			{Title: "Conns", Width: 6},
			{Title: "Slot", Width: 5},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		apiURL:      strings.TrimRight(apiURL, "/"),
		apiKey:      apiKey,
		hubEvents:   make(chan events.Event, 100),
		workerTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.refresh(),
		tea.EnterAltScreen,
	)
}

func (m Model) refresh() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return fetchHealth(m.apiURL) },
		func() tea.Msg { return fetchWorkers(m.apiURL, m.apiKey) },
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			// Health is already on its own tick.
			return m, func() tea.Msg { return fetchWorkers(m.apiURL, m.apiKey) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workerTable.SetWidth(m.width - 6)

	case eventMsg:
		m.connected = true
		m.pushEvent(events.Event(msg))
		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if affectsWorkers(msg.Type) {
			cmds = append(cmds, func() tea.Msg { return fetchWorkers(m.apiURL, m.apiKey) })
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health = msg
		m.lastErr = nil
		return m, tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })

	case refreshMsg:
		return m, m.refresh()

	case workersMsg:
		m.status = dispatch.Status(msg)
		m.workerTable.SetRows(workerRows(m.status))

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case healthFailedMsg:
		m.lastErr = msg.err
		return m, tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })

	case errMsg:
		m.lastErr = msg.err
	}

	var cmd tea.Cmd
	m.workerTable, cmd = m.workerTable.Update(msg)
	return m, cmd
}

func (m *Model) pushEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
}

func affectsWorkers(eventType string) bool {
	return strings.HasPrefix(eventType, "worker.") ||
		strings.HasPrefix(eventType, "bind.") ||
		strings.HasPrefix(eventType, "foreground.")
}

func workerRows(st dispatch.Status) []table.Row {
	rows := make([]table.Row, 0, len(st.Workers))
	for _, w := range st.Workers {
		slot := "-"
		if w.Slot != nil {
			slot = fmt.Sprintf("%d", *w.Slot)
		}
		rows = append(rows, table.Row{
			stateSymbol(w.State),
			string(w.Key),
			w.State.String(),
			fmt.Sprintf("%d", w.Pending),
			fmt.Sprintf("%d", w.Processed),
			fmt.Sprintf("%d", w.Failed),
			fmt.Sprintf("%d", len(w.Connections)),
			slot,
		})
	}
	return rows
}

func stateSymbol(s component.State) string {
	switch s {
	case component.StateRunning:
		return statusRunning.Render("◉")
	case component.StateIdle:
		return statusOK.Render("●")
	case component.StateStopping:
		return statusFailed.Render("◑")
	case component.StateDestroyed:
		return statusFailed.Render("∅")
	default:
		return statusIdle.Render("○")
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	workers := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Workers"),
			m.workerTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := dimStyle.Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll Workers")

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), workers, eventsView, help))
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	switch {
	case m.lastErr != nil:
		status = statusFailed.Render("UNREACHABLE")
	case m.health.Status != "ok" && m.health.Status != "":
		status = statusFailed.Render("DEGRADED")
	}
	stream := statusOK.Render("live")
	if !m.connected {
		stream = statusIdle.Render("waiting")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Domain: %s", m.health.Domain),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Slots: %d/%d free", m.status.FreeSlots, m.status.Slots),
		fmt.Sprintf("Events: %s", stream),
	}

	cellWidth := (m.width - 4) / len(items)
	cells := make([]string, len(items))
	for i, item := range items {
		cells[i] = lipgloss.NewStyle().Width(cellWidth).Render(item)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		return dimStyle.Render("  Waiting for events...")
	}
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func formatEvent(e events.Event) string {
	ts := dimStyle.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"), strings.HasSuffix(e.Type, ".connected"):
		typeStyle = statusOK
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".destroyed"):
		typeStyle = statusFailed
	case strings.HasPrefix(e.Type, "forward."), strings.HasPrefix(e.Type, "foreground."):
		typeStyle = statusRunning
	default:
		typeStyle = dimStyle
	}
	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), describeEvent(e))
}

// describeEvent pulls the interesting fields out of an event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, k := range []string{"worker", "action", "connection", "slot", "domain", "error", "reason"} {
		if v, ok := data[k]; ok && v != "" {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

// Run starts the monitor against a running snapsvc API and blocks until the
// user quits.
func Run(apiURL, apiKey string) error {
	p := tea.NewProgram(NewMonitor(apiURL, apiKey), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
