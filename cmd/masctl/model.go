// masctl is a terminal inspector for a running masd: a live sidebar of
// registered agents and a tailing panel of alert-stream events, both
// read entirely through the Control API — it holds no substrate state
// of its own. Grounded on the teacher's internal/channels.TUIChannel
// (bubbletea split-pane layout, viewport chat log, periodic tick
// refresh) with the chat input and orchestrator wiring stripped out:
// masctl is read-only (its only keys are quit and refresh), not a chat
// client.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawinfra/evoclaw/internal/registry"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#06B6D4")
	mutedColor     = lipgloss.Color("#6B7280")
	successColor   = lipgloss.Color("#10B981")
	warnColor      = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")

	sidebarStyle = lipgloss.NewStyle().
			Width(32).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 1)

	sidebarTitle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	agentLabel   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB"))
	metricStyle  = lipgloss.NewStyle().Foreground(mutedColor).PaddingLeft(2)

	panelBorder = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(secondaryColor)
	eventText   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	statusOnline = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	statusOffErr = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
)

func stateStyle(s registry.State) lipgloss.Style {
	switch s {
	case registry.StateRunning, registry.StateIdle:
		return lipgloss.NewStyle().Foreground(successColor)
	case registry.StateDegraded, registry.StateStarting, registry.StateStopping:
		return lipgloss.NewStyle().Foreground(warnColor)
	case registry.StateFailing, registry.StateDead:
		return lipgloss.NewStyle().Foreground(errorColor)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor)
	}
}

type agentsMsg struct {
	agents []registry.Descriptor
	err    error
}

type streamReadyMsg struct {
	events <-chan streamEvent
	err    error
}

type streamEventMsg streamEvent
type streamClosedMsg struct{}
type tickMsg struct{}

type model struct {
	cl *client

	agents     []registry.Descriptor
	events     []streamEvent
	panel      viewport.Model
	streamChan <-chan streamEvent
	connected  bool
	lastErr    error

	width, height int
	ready         bool
}

func newModel(cl *client) model {
	return model{cl: cl}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchAgentsCmd(m.cl), connectStreamCmd(m.cl), tickCmd())
}

func fetchAgentsCmd(cl *client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		agents, err := cl.listAgents(ctx)
		return agentsMsg{agents: agents, err: err}
	}
}

func connectStreamCmd(cl *client) tea.Cmd {
	return func() tea.Msg {
		ch, err := cl.dialStream(context.Background())
		return streamReadyMsg{events: ch, err: err}
	}
}

func waitForEventCmd(ch <-chan streamEvent) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return streamEventMsg(evt)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			cmds = append(cmds, fetchAgentsCmd(m.cl))
		}

	case agentsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.agents = msg.agents
			m.lastErr = nil
		}

	case streamReadyMsg:
		if msg.err != nil {
			m.connected = false
			m.lastErr = msg.err
		} else {
			m.connected = true
			m.streamChan = msg.events
			cmds = append(cmds, waitForEventCmd(msg.events))
		}

	case streamEventMsg:
		m.events = append(m.events, streamEvent(msg))
		if len(m.events) > 500 {
			m.events = m.events[len(m.events)-500:]
		}
		if m.ready {
			m.panel.SetContent(m.renderEvents())
			m.panel.GotoBottom()
		}
		cmds = append(cmds, waitForEventCmd(m.streamChan))

	case streamClosedMsg:
		m.connected = false
		cmds = append(cmds, connectStreamCmd(m.cl))

	case tickMsg:
		cmds = append(cmds, fetchAgentsCmd(m.cl), tickCmd())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		panelW := m.width - 35
		panelH := m.height - 6
		if !m.ready {
			m.panel = viewport.New(panelW, panelH)
			m.panel.SetContent(m.renderEvents())
			m.ready = true
		} else {
			m.panel.Width = panelW
			m.panel.Height = panelH
		}
	}

	var cmd tea.Cmd
	m.panel, cmd = m.panel.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "connecting to masd..."
	}

	status := statusOnline.Render("● connected")
	if !m.connected {
		status = statusOffErr.Render("○ reconnecting")
	}
	header := headerStyle.Width(m.width).Render("  masctl  " + status)

	sidebar := m.renderSidebar()
	panel := panelBorder.Width(m.width - 35).Render(m.panel.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", panel)

	footer := footerStyle.Render("  r: refresh  │  q: quit  │  ↑↓: scroll events")
	if m.lastErr != nil {
		footer = statusOffErr.Render("  error: " + m.lastErr.Error())
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m model) renderSidebar() string {
	var sb strings.Builder
	sb.WriteString(sidebarTitle.Render("  Agents"))
	sb.WriteString("\n")

	if len(m.agents) == 0 {
		sb.WriteString(metricStyle.Render("no agents registered"))
	}

	for _, a := range m.agents {
		style := stateStyle(a.State)
		sb.WriteString(fmt.Sprintf("  %s %s\n", style.Render("●"), agentLabel.Render(a.ID)))
		sb.WriteString(metricStyle.Render(fmt.Sprintf("state: %s", a.State)))
		sb.WriteString("\n")
		sb.WriteString(metricStyle.Render(fmt.Sprintf("queue: %d", a.QueueDepth)))
		sb.WriteString("\n")
		if a.ConsecutiveFailures > 0 {
			sb.WriteString(metricStyle.Render(fmt.Sprintf("failures: %d", a.ConsecutiveFailures)))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sidebarStyle.Height(m.height - 4).Render(sb.String())
}

func (m model) renderEvents() string {
	if len(m.events) == 0 {
		return lipgloss.NewStyle().Foreground(mutedColor).Padding(1).Render("no alerts yet")
	}

	var sb strings.Builder
	for _, evt := range m.events {
		ts := evt.Timestamp.Format("15:04:05")
		sb.WriteString(fmt.Sprintf("%s [%s] %s: %s\n",
			lipgloss.NewStyle().Foreground(mutedColor).Render(ts),
			severityStyle(evt.Severity).Render(evt.Severity),
			evt.AgentID,
			eventText.Render(evt.Reason),
		))
	}
	return sb.String()
}

func severityStyle(sev string) lipgloss.Style {
	switch strings.ToLower(sev) {
	case "critical", "error":
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	case "warning", "warn":
		return lipgloss.NewStyle().Foreground(warnColor)
	default:
		return lipgloss.NewStyle().Foreground(secondaryColor)
	}
}
