// Package tui provides the live terminal monitor for armctl.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// refreshInterval is how often the monitor polls the daemon.
const refreshInterval = time.Second

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	daemonOnlineStyle = lipgloss.NewStyle().
				Foreground(successColor).
				Bold(true)

	daemonOfflineStyle = lipgloss.NewStyle().
				Foreground(errorColor)
)

// App is the main TUI application model.
type App struct {
	client       *Client
	robots       *RobotListModel
	detail       *RobotDetailModel
	cmdbar       *CmdBarModel
	suggestions  *Suggestions
	width        int
	height       int
	message      string
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	client := NewClient(apiAddr)
	return &App{
		client:      client,
		robots:      NewRobotListModel(),
		detail:      NewRobotDetailModel(client),
		cmdbar:      NewCmdBarModel(),
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.detail.Init(),
		a.fetchRobots(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			return a, a.updateCmdBar(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case ":", "/":
			cmd := a.cmdbar.Focus()
			if msg.String() == "/" {
				a.cmdbar.SetValue("/")
			}
			return a, cmd

		case "a":
			return a, a.cmdbar.Execute(a.client, "arm", a.robots.Selected)

		case "d":
			return a, a.cmdbar.Execute(a.client, "disarm", a.robots.Selected)

		case "c":
			return a, a.cmdbar.Execute(a.client, "cancel", a.robots.Selected)

		case "h":
			return a, a.cmdbar.Execute(a.client, "home", a.robots.Selected)

		case "r":
			return a, tea.Batch(a.fetchRobots(), a.detail.Refresh())

		case "pgup", "pgdown":
			return a, a.detail.Update(msg)
		}
		cmds = append(cmds, a.robots.Update(msg))
		cmds = append(cmds, a.selectRobot())

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		listWidth := max(24, msg.Width/3)
		contentHeight := max(5, msg.Height-6)
		a.robots.SetSize(listWidth, contentHeight)
		a.detail.SetSize(msg.Width-listWidth-6, contentHeight)
		a.cmdbar.SetWidth(msg.Width - 6)

	case robotsLoadedMsg:
		cmds = append(cmds, a.robots.SetRobots(msg.robots))
		cmds = append(cmds, a.selectRobot())

	case detailLoadedMsg:
		cmds = append(cmds, a.detail.Update(msg))

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds = append(cmds,
			a.fetchRobots(),
			a.detail.Refresh(),
			a.checkDaemon(),
			a.tickCmd(),
		)

	case cmdResultMsg:
		a.message = msg.message
		cmds = append(cmds, a.fetchRobots(), a.detail.Refresh())

	case errMsg:
		a.message = "Error: " + msg.err.Error()

	default:
		cmds = append(cmds, a.detail.Update(msg))
	}

	return a, tea.Batch(cmds...)
}

func (a *App) updateCmdBar(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit

	case "esc":
		a.cmdbar.Blur()
		a.suggestions.Update("")
		return nil

	case "up":
		a.suggestions.Prev()
		return nil

	case "down":
		a.suggestions.Next()
		return nil

	case "tab", "enter":
		// If suggestions visible, accept selection
		if a.suggestions.IsVisible() {
			if selected := a.suggestions.Selected(); selected != nil {
				if selected.Type == "robot" {
					a.selectByName(selected.Text)
					a.cmdbar.SetValue("")
				} else {
					a.cmdbar.SetValue(selected.Text + " ")
				}
				a.suggestions.Update("")
			}
			return a.selectRobot()
		}
		if msg.String() == "tab" {
			return nil
		}
		input := strings.TrimSpace(a.cmdbar.Submit())
		return a.cmdbar.Execute(a.client, input, a.robots.Selected)
	}

	cmd := a.cmdbar.Update(msg)

	// Update suggestions based on input
	a.suggestions.Update(a.cmdbar.Value())

	// Populate dynamic suggestions for @
	if strings.HasPrefix(a.cmdbar.Value(), "@") {
		var names []string
		var paths []string
		for _, r := range a.robots.Robots() {
			names = append(names, r.Name)
			if r.Name == a.robots.Selected() {
				paths = append(paths, r.Handlers...)
			}
		}
		a.suggestions.SetRobots(names)
		a.suggestions.SetActuators(paths)
	}
	return cmd
}

func (a *App) selectByName(name string) {
	for i, r := range a.robots.Robots() {
		if r.Name == name {
			a.robots.list.Select(i)
			return
		}
	}
}

// selectRobot points the detail pane at the selected robot.
func (a *App) selectRobot() tea.Cmd {
	name := a.robots.Selected()
	if name == "" || name == a.detail.Robot() {
		return nil
	}
	a.detail.SetRobot(name)
	return a.detail.Refresh()
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	// Header with daemon status
	daemonStatus := daemonOnlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = daemonOfflineStyle.Render("○ DAEMON")
	}

	header := titleStyle.Render("armctl monitor")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d robots]", len(a.robots.Robots())))

	b.WriteString(header + "\n")

	// Main content area
	left := panelStyle.Render(a.robots.View())
	right := panelStyle.Render(a.detail.View())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))

	// Message bar
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	}

	// Command bar
	b.WriteString("\n")
	b.WriteString(a.cmdbar.View())

	// Suggestions dropdown (if visible) - renders BELOW input
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	status := " ↑↓:select | a:arm | d:disarm | h:home | c:cancel | ::command | r:refresh | q:quit"
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) fetchRobots() tea.Cmd {
	return func() tea.Msg {
		robots, err := a.client.ListRobots()
		if err != nil {
			return errMsg{err}
		}
		return robotsLoadedMsg{robots}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type errMsg struct {
	err error
}

type robotsLoadedMsg struct {
	robots []RobotItem
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
