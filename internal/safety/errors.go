package safety

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for safety operations.
var (
	ErrRobotNotFound  = errors.New("robot not found")
	ErrNotRegistered  = errors.New("robot not registered with safety authority")
	ErrAlreadyArmed   = errors.New("robot already armed")
	ErrInError        = errors.New("robot is in safety error; force disarm required")
	ErrNotArmed       = errors.New("robot is not armed")
	ErrNotInError     = errors.New("robot is not in safety error")
	ErrDisarming      = errors.New("robot is disarming")
	ErrDisarmFailed   = errors.New("disarm failed")
	ErrInvalidHandler = errors.New("invalid disarm handler registration")
	ErrStopped        = errors.New("safety authority stopped")
)

// FailureKind classifies how a disarm handler failed.
type FailureKind string

const (
	// FailureError: Disarm returned an error.
	FailureError FailureKind = "error"
	// FailureRaised: Disarm panicked with an error value.
	FailureRaised FailureKind = "raised"
	// FailureThrown: Disarm panicked with a non-error value.
	FailureThrown FailureKind = "thrown"
	// FailureTimeout: Disarm did not return within the handler timeout.
	FailureTimeout FailureKind = "timeout"
)

// HandlerFailure is one handler's failed disarm attempt.
type HandlerFailure struct {
	HandlerID string      `json:"handler_id"`
	Path      string      `json:"path"`
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
}

// DisarmError carries every handler failure of one disarm attempt, not just
// the first.
type DisarmError struct {
	Robot    string           `json:"robot"`
	Failures []HandlerFailure `json:"failures"`
}

func (e *DisarmError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s: %s)", f.Path, f.Kind, f.Reason))
	}
	return fmt.Sprintf("disarm %s: %d handler(s) failed: %s", e.Robot, len(e.Failures), strings.Join(parts, "; "))
}

// Is reports ErrDisarmFailed so callers can match without a type assertion.
func (e *DisarmError) Is(target error) bool {
	return target == ErrDisarmFailed
}
