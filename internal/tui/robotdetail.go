package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// detailEventLimit is how many journal entries the detail pane shows.
const detailEventLimit = 50

// RobotDetailModel manages the robot detail pane
type RobotDetailModel struct {
	client   *Client
	name     string
	robot    *RobotItem
	runs     []RunItem
	events   []EventItem
	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int
}

// NewRobotDetailModel creates a new robot detail model
func NewRobotDetailModel(client *Client) *RobotDetailModel {
	return &RobotDetailModel{
		client: client,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(stateExecuting),
		),
		viewport: viewport.New(60, 10),
	}
}

// Init starts the spinner
func (m *RobotDetailModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// SetRobot sets the robot to display
func (m *RobotDetailModel) SetRobot(name string) {
	if name == m.name {
		return
	}
	m.name = name
	m.robot = nil
	m.runs = nil
	m.events = nil
	m.viewport.SetContent("")
	m.viewport.GotoTop()
}

// Robot returns the displayed robot name
func (m *RobotDetailModel) Robot() string {
	return m.name
}

// SetSize sets the dimensions
func (m *RobotDetailModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = w
	m.viewport.Height = max(3, h-14)
}

// Refresh fetches robot details
func (m *RobotDetailModel) Refresh() tea.Cmd {
	name := m.name
	if name == "" {
		return nil
	}
	return func() tea.Msg {
		robot, err := m.client.GetRobot(name)
		if err != nil {
			return errMsg{err}
		}
		runs, _ := m.client.GetRuns(name, 5)
		events, _ := m.client.GetEvents(name, detailEventLimit)
		return detailLoadedMsg{name, robot, runs, events}
	}
}

// Update handles messages
func (m *RobotDetailModel) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case detailLoadedMsg:
		if msg.name != m.name {
			return nil
		}
		m.robot = msg.robot
		m.runs = msg.runs
		m.events = msg.events
		m.viewport.SetContent(renderEvents(msg.events))
		return nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

// View renders the robot detail
func (m *RobotDetailModel) View() string {
	if m.name == "" {
		return labelStyle.Render("Select a robot")
	}
	if m.robot == nil {
		return "Loading..."
	}

	var b strings.Builder
	r := m.robot

	b.WriteString(headerStyle.Render(r.Name) + "\n")
	b.WriteString(labelStyle.Render("Safety:      ") + formatSafety(r.Safety) + "\n")
	b.WriteString(labelStyle.Render("Operational: ") + formatOperational(r.Operational) + "\n")
	if r.Executing != "" {
		b.WriteString(labelStyle.Render("Executing:   ") + m.spinner.View() + " " +
			valueStyle.Render(fmt.Sprintf("%s (%s)", r.Executing, shortID(r.ExecutionID))) + "\n")
	}
	b.WriteString(labelStyle.Render("Handlers:    ") + valueStyle.Render(strings.Join(r.Handlers, ", ")) + "\n")

	b.WriteString(sectionStyle.Render("Recent Runs") + "\n")
	if len(m.runs) == 0 {
		b.WriteString(labelStyle.Render("  none") + "\n")
	}
	for _, run := range m.runs {
		b.WriteString(fmt.Sprintf("  %s %-12s %s %s\n",
			formatRunStatus(run.Status), run.Command, shortID(run.ExecutionID),
			labelStyle.Render(formatRunDetail(run))))
	}

	b.WriteString(sectionStyle.Render("Events") + "\n")
	b.WriteString(m.viewport.View())
	return b.String()
}

func renderEvents(events []EventItem) string {
	var b strings.Builder
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-18s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Kind)
		if ev.From != "" || ev.To != "" {
			line += fmt.Sprintf(" %s → %s", ev.From, ev.To)
		}
		if reason, ok := ev.Data["reason"].(string); ok && reason != "" {
			line += " " + labelStyle.Render(reason)
		}
		if errText, ok := ev.Data["error"].(string); ok && errText != "" {
			line += " " + stateError.Render(errText)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatRunStatus(status string) string {
	switch status {
	case "succeeded":
		return stateIdle.Render("✓")
	case "failed":
		return stateError.Render("✗")
	case "cancelled":
		return stateArmed.Render("⊘")
	default:
		return "?"
	}
}

func formatRunDetail(run RunItem) string {
	detail := run.Duration().Round(time.Millisecond).String()
	if run.Error != "" {
		detail += " " + run.Error
	}
	return detail
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type detailLoadedMsg struct {
	name   string
	robot  *RobotItem
	runs   []RunItem
	events []EventItem
}
