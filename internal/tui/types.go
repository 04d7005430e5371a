package tui

import (
	"fmt"
	"time"
)

// RobotItem is a summary of a robot for the list view
type RobotItem struct {
	Name        string   `json:"name"`
	Safety      string   `json:"safety"`
	Operational string   `json:"operational"`
	Executing   string   `json:"executing"`
	ExecutionID string   `json:"execution_id"`
	Handlers    []string `json:"handlers"`
}

func (i RobotItem) FilterValue() string { return i.Name }
func (i RobotItem) Title() string       { return i.Name }
func (i RobotItem) Description() string {
	desc := fmt.Sprintf("%s • %s", formatSafety(i.Safety), formatOperational(i.Operational))
	if i.Executing != "" {
		desc += " • " + i.Executing
	}
	return desc
}

// EventItem is a journaled bus event
type EventItem struct {
	Kind      string                 `json:"kind"`
	Path      []string               `json:"path"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunItem is a journaled command run
type RunItem struct {
	ExecutionID string    `json:"execution_id"`
	Command     string    `json:"command"`
	Status      string    `json:"status"`
	Kind        string    `json:"kind"`
	Error       string    `json:"error"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Duration returns how long the run took.
func (r RunItem) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Handle identifies an accepted command invocation
type Handle struct {
	Robot       string `json:"robot"`
	Command     string `json:"command"`
	ExecutionID string `json:"execution_id"`
}
