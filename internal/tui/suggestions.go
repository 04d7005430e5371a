package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// maxSuggestions is how many completions the popup shows.
const maxSuggestions = 5

var (
	suggestBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	suggestSelectedStyle = lipgloss.NewStyle().
				Foreground(fgColor).
				Background(primaryColor).
				Bold(true)

	suggestDescStyle = lipgloss.NewStyle().
				Foreground(mutedColor).
				Italic(true)
)

// SuggestionItem is one completion for the command bar.
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "robot" or "actuator"
}

var commandSuggestions = []SuggestionItem{
	{"arm", "Arm the selected robot", "command"},
	{"disarm", "Run the disarm protocol", "command"},
	{"force", "Force disarm out of safety error", "command"},
	{"cancel", "Cancel the running command", "command"},
	{"run", "Execute a command: run <name> [key=value...]", "command"},
	{"move", "Move joints: move 0.5 | move /r1/joint1=0.5", "command"},
	{"home", "Move every joint to zero", "command"},
	{"param", "Set a live parameter: param <path> <value>", "command"},
	{"fault", "Simulate a disarm fault: fault <path> <none|error|raise|throw|hang>", "command"},
	{"report", "Report a hardware error: report <path> [reason]", "command"},
	{"quit", "Leave the monitor", "command"},
}

// Suggestions completes command-bar input. "/" completes command names and
// "@" completes robot names and the selected robot's actuator paths.
type Suggestions struct {
	robots    []SuggestionItem
	actuators []SuggestionItem

	trigger  byte
	query    string
	filtered []SuggestionItem
	selected int
}

// NewSuggestions creates an empty completer.
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// Update recomputes completions for the current input.
func (s *Suggestions) Update(input string) {
	s.trigger = 0
	if input != "" && (input[0] == '/' || input[0] == '@') {
		s.trigger = input[0]
		s.query = strings.ToLower(input[1:])
	}
	s.refilter()
}

// SetRobots sets the robot names offered after "@".
func (s *Suggestions) SetRobots(names []string) {
	s.robots = references(names, "robot", "Select this robot")
	s.refilter()
}

// SetActuators sets the actuator paths offered after "@".
func (s *Suggestions) SetActuators(paths []string) {
	s.actuators = references(paths, "actuator", "Actuator path")
	s.refilter()
}

func references(values []string, kind, desc string) []SuggestionItem {
	items := make([]SuggestionItem, len(values))
	for i, v := range values {
		items[i] = SuggestionItem{Text: v, Description: desc, Type: kind}
	}
	return items
}

func (s *Suggestions) refilter() {
	var source []SuggestionItem
	switch s.trigger {
	case '/':
		source = commandSuggestions
	case '@':
		source = append(append([]SuggestionItem{}, s.robots...), s.actuators...)
	}

	s.filtered = s.filtered[:0]
	for _, item := range source {
		if strings.Contains(strings.ToLower(item.Text), s.query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.selected = 0
}

// Next moves the selection down, wrapping around.
func (s *Suggestions) Next() {
	if n := len(s.filtered); n > 0 {
		s.selected = (s.selected + 1) % n
	}
}

// Prev moves the selection up, wrapping around.
func (s *Suggestions) Prev() {
	if n := len(s.filtered); n > 0 {
		s.selected = (s.selected + n - 1) % n
	}
}

// Selected returns the highlighted completion, or nil.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() {
		return nil
	}
	return &s.filtered[s.selected]
}

// IsVisible reports whether the popup has anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.trigger != 0 && len(s.filtered) > 0
}

// Render draws the popup below the command bar.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var lines []string
	for i, item := range s.filtered {
		if i == maxSuggestions {
			lines = append(lines, suggestDescStyle.Render(fmt.Sprintf("  +%d more", len(s.filtered)-maxSuggestions)))
			break
		}
		if i == s.selected {
			lines = append(lines, suggestSelectedStyle.Render("▶ "+item.Text+"  "+item.Description))
			continue
		}
		lines = append(lines, "  "+item.Text+"  "+suggestDescStyle.Render(item.Description))
	}
	return suggestBoxStyle.Width(max(20, width-4)).Render(strings.Join(lines, "\n"))
}
