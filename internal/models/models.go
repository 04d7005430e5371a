// Package models defines the core domain types for armctl.
package models

import "time"

// SafetyState is the authoritative arm/disarm lifecycle of a robot.
type SafetyState string

const (
	SafetyDisarmed  SafetyState = "disarmed"
	SafetyArmed     SafetyState = "armed"
	SafetyDisarming SafetyState = "disarming"
	SafetyError     SafetyState = "error"
)

// OperationalState is the command-execution lifecycle of a robot.
// Commands may declare custom states beyond the built-in ones.
type OperationalState string

const (
	StateDisarmed  OperationalState = "disarmed"
	StateArmed     OperationalState = "armed"
	StateIdle      OperationalState = "idle"
	StateExecuting OperationalState = "executing"
)

// Event kinds published on the bus.
const (
	EventSafetyTransition = "safety_transition"
	EventStateTransition  = "state_transition"
	EventHardwareError    = "hardware_error"
	EventParameterChanged = "parameter_changed"
	EventCommandStarted   = "command_started"
	EventCommandSucceeded = "command_succeeded"
	EventCommandFailed    = "command_failed"
	EventCommandCancelled = "command_cancelled"
)

// Event is a single message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Path      []string               `json:"path"`
	Kind      string                 `json:"kind"`
	Robot     string                 `json:"robot"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunStatus is the terminal status of a command invocation.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// CommandRun is the journaled record of one command invocation.
type CommandRun struct {
	ExecutionID string    `json:"execution_id"`
	Robot       string    `json:"robot"`
	Command     string    `json:"command"`
	Status      RunStatus `json:"status"`
	Kind        string    `json:"kind,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Robot      string    `json:"robot,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RobotStatus is the read-only view of a robot served to clients.
type RobotStatus struct {
	Name        string           `json:"name"`
	Safety      SafetyState      `json:"safety"`
	Operational OperationalState `json:"operational"`
	Executing   string           `json:"executing,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Handlers    []string         `json:"handlers"`
}
