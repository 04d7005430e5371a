package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/armctl/internal/models"
)

// Sentinel errors for command operations.
var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrNoExecution       = errors.New("no command executing")
	ErrNotArmed          = errors.New("robot is not armed")
	ErrStateNotAllowed   = errors.New("command not allowed in current state")
	ErrResultNotFound    = errors.New("result not found")
	ErrPreemptTimeout    = errors.New("preempted command did not stop in time")
	ErrInvalidDefinition = errors.New("invalid command definition")
	ErrStopped           = errors.New("orchestrator stopped")
	ErrCommandFailed     = errors.New("command failed")
)

// FailureKind classifies how a command invocation ended without success.
type FailureKind string

const (
	// KindFailed: a handler callback returned an error.
	KindFailed FailureKind = "failed"
	// KindCancelled: the invocation was cancelled or preempted.
	KindCancelled FailureKind = "cancelled"
	// KindTimeout: the declared command timeout elapsed.
	KindTimeout FailureKind = "timeout"
	// KindCrashed: a handler callback panicked.
	KindCrashed FailureKind = "crashed"
	// KindProjection: the final result could not be computed.
	KindProjection FailureKind = "projection"
)

// StateError reports a command requested from a state it does not allow.
type StateError struct {
	Robot   string                    `json:"robot"`
	Command string                    `json:"command"`
	Current models.OperationalState   `json:"current_state"`
	Allowed []models.OperationalState `json:"allowed_states"`
}

func (e *StateError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("%s: %s on %s in state %s (allowed: %s)",
		ErrStateNotAllowed, e.Command, e.Robot, e.Current, strings.Join(allowed, ", "))
}

// Is matches ErrStateNotAllowed.
func (e *StateError) Is(target error) bool {
	return target == ErrStateNotAllowed
}

// CommandError is the structured failure of one invocation.
type CommandError struct {
	Robot       string      `json:"robot"`
	Command     string      `json:"command"`
	ExecutionID string      `json:"execution_id"`
	Kind        FailureKind `json:"kind"`
	Reason      string      `json:"reason"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s on %s %s: %s", e.Command, e.Robot, e.Kind, e.Reason)
}

// Is matches ErrCommandFailed.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}
