package tui

import (
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	stateDisarmed  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // Gray
	stateArmed     = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	stateDisarming = lipgloss.NewStyle().Foreground(lipgloss.Color("4")) // Blue
	stateError     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	stateIdle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	stateExecuting = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
)

func formatSafety(state string) string {
	switch state {
	case "disarmed":
		return stateDisarmed.Render("○ disarmed")
	case "armed":
		return stateArmed.Render("● armed")
	case "disarming":
		return stateDisarming.Render("◐ disarming")
	case "error":
		return stateError.Render("✗ error")
	default:
		return state
	}
}

func formatOperational(state string) string {
	switch state {
	case "disarmed":
		return stateDisarmed.Render("disarmed")
	case "armed":
		return stateArmed.Render("armed")
	case "idle":
		return stateIdle.Render("idle")
	case "executing":
		return stateExecuting.Render("executing")
	default:
		return state
	}
}

// RobotListModel manages the robot list pane
type RobotListModel struct {
	list   list.Model
	robots []RobotItem
	width  int
	height int
	loaded bool
}

// NewRobotListModel creates a new robot list model
func NewRobotListModel() *RobotListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 40, 20)
	l.Title = "Robots"
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = listTitleStyle

	return &RobotListModel{list: l}
}

// SetSize sets the list dimensions
func (m *RobotListModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.list.SetSize(w, h)
}

// SetRobots replaces the robots, keeping the selection by name.
func (m *RobotListModel) SetRobots(robots []RobotItem) tea.Cmd {
	selected := m.Selected()
	m.robots = robots
	m.loaded = true
	items := make([]list.Item, len(robots))
	for i, r := range robots {
		items[i] = r
	}
	cmd := m.list.SetItems(items)
	for i, r := range robots {
		if r.Name == selected {
			m.list.Select(i)
			break
		}
	}
	return cmd
}

// Robots returns the listed robots
func (m *RobotListModel) Robots() []RobotItem {
	return m.robots
}

// Selected returns the name of the selected robot, or "".
func (m *RobotListModel) Selected() string {
	if item, ok := m.list.SelectedItem().(RobotItem); ok {
		return item.Name
	}
	return ""
}

// Update handles messages
func (m *RobotListModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return cmd
}

// View renders the robot list
func (m *RobotListModel) View() string {
	if !m.loaded {
		return "Loading robots..."
	}
	if len(m.robots) == 0 {
		return "No robots configured.\nAdd robots to ~/.armctl/config.yaml"
	}
	return m.list.View()
}
