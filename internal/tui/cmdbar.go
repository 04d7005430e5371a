package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input   textinput.Model
	focused bool
	message string
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "arm | disarm | run move position=0.5 | param motion/max_speed 2 | cancel"
	ti.CharLimit = 256
	return &CmdBarModel{
		input: ti,
	}
}

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	m.message = ""
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Focused reports whether the bar takes key input
func (m *CmdBarModel) Focused() bool {
	return m.focused
}

// Value returns the current input
func (m *CmdBarModel) Value() string {
	return m.input.Value()
}

// SetValue replaces the current input
func (m *CmdBarModel) SetValue(v string) {
	m.input.SetValue(v)
	m.input.CursorEnd()
}

// SetWidth sets the input width
func (m *CmdBarModel) SetWidth(w int) {
	m.input.Width = w
}

// SetMessage shows a message in place of the hint
func (m *CmdBarModel) SetMessage(msg string) {
	m.message = msg
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := m.input.Value()
	m.Blur()
	return val
}

// Update handles messages
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		prompt := promptStyle.Render(": ")
		return cmdBarStyle.Render(prompt + m.input.View())
	}
	if m.message != "" {
		return cmdBarStyle.Render(m.message)
	}
	return cmdBarStyle.Render("Press : to enter command (arm, disarm, force, run, move, home, param, fault, cancel)")
}

// Execute processes a command against the selected robot
func (m *CmdBarModel) Execute(client *Client, input string, getRobot func() string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	args := parts[1:]

	if cmd == "q" || cmd == "quit" {
		return tea.Quit
	}

	return func() tea.Msg {
		robot := getRobot()
		if robot == "" {
			return cmdResultMsg{"No robot selected"}
		}

		var result string
		var err error

		switch cmd {
		case "arm":
			err = client.Arm(robot)
			result = "Armed " + robot

		case "disarm":
			err = client.Disarm(robot)
			result = "Disarmed " + robot

		case "force", "force_disarm":
			err = client.ForceDisarm(robot)
			result = "Force disarmed " + robot

		case "cancel":
			err = client.Cancel(robot)
			result = "Cancelled running command"

		case "run":
			if len(args) < 1 {
				return cmdResultMsg{"Usage: run <command> [key=value...]"}
			}
			var h *Handle
			h, err = client.Execute(robot, args[0], ParseGoal(args[1:]))
			if err == nil {
				result = fmt.Sprintf("Started %s (%s)", h.Command, shortID(h.ExecutionID))
			}

		case "move", "home":
			var h *Handle
			h, err = client.Execute(robot, cmd, ParseGoal(args))
			if err == nil {
				result = fmt.Sprintf("Started %s (%s)", h.Command, shortID(h.ExecutionID))
			}

		case "param":
			if len(args) != 2 {
				return cmdResultMsg{"Usage: param <path> <value>"}
			}
			err = client.SetParam(robot, args[0], parseValue(args[1]))
			result = fmt.Sprintf("Set %s = %s", args[0], args[1])

		case "fault":
			if len(args) != 2 {
				return cmdResultMsg{"Usage: fault <actuator-path> <none|error|raise|throw|hang>"}
			}
			err = client.SetFault(robot, args[0], args[1])
			result = fmt.Sprintf("Fault mode of %s is %s", args[0], args[1])

		case "report":
			if len(args) < 1 {
				return cmdResultMsg{"Usage: report <actuator-path> [reason]"}
			}
			err = client.ReportError(robot, args[0], strings.Join(args[1:], " "))
			result = "Reported fault on " + args[0]

		default:
			result = fmt.Sprintf("Unknown command: %s", cmd)
		}

		if err != nil {
			return cmdResultMsg{fmt.Sprintf("Error: %v", err)}
		}
		return cmdResultMsg{result}
	}
}

// ParseGoal turns command-line words into a goal. A lone number is a
// position for every joint, "/path=value" targets one joint and other
// "key=value" pairs become goal fields.
func ParseGoal(args []string) map[string]interface{} {
	goal := map[string]interface{}{}
	if len(args) == 1 && !strings.Contains(args[0], "=") {
		if f, err := strconv.ParseFloat(args[0], 64); err == nil {
			goal["position"] = f
			return goal
		}
	}

	positions := map[string]interface{}{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			continue
		}
		if strings.HasPrefix(key, "/") {
			positions[key] = parseValue(value)
			continue
		}
		goal[key] = parseValue(value)
	}
	if len(positions) > 0 {
		goal["positions"] = positions
	}
	return goal
}

func parseValue(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

type cmdResultMsg struct {
	message string
}
