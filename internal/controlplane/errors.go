package controlplane

import (
	"context"
	"errors"
	"net/http"

	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/robot"
	"github.com/fentz26/armctl/internal/safety"
	"github.com/fentz26/armctl/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrBadRequest = errors.New("bad request")
	ErrNoStore    = errors.New("journal not configured")
)

// ErrorResponse is the JSON body of every failed request. State and disarm
// errors carry their structured details.
type ErrorResponse struct {
	Error         string                   `json:"error"`
	CurrentState  models.OperationalState  `json:"current_state,omitempty"`
	AllowedStates []models.OperationalState `json:"allowed_states,omitempty"`
	Failures      []safety.HandlerFailure  `json:"failures,omitempty"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var stateErr *command.StateError
	var disarmErr *safety.DisarmError
	switch {
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &disarmErr):
		return http.StatusInternalServerError
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, command.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound),
		errors.Is(err, robot.ErrNotFound),
		errors.Is(err, safety.ErrRobotNotFound),
		errors.Is(err, safety.ErrNotRegistered),
		errors.Is(err, command.ErrUnknownCommand),
		errors.Is(err, command.ErrResultNotFound),
		errors.Is(err, parameter.ErrUnknown),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, command.ErrNoExecution),
		errors.Is(err, command.ErrNotArmed),
		errors.Is(err, safety.ErrAlreadyArmed),
		errors.Is(err, safety.ErrInError),
		errors.Is(err, safety.ErrNotArmed),
		errors.Is(err, safety.ErrNotInError),
		errors.Is(err, safety.ErrDisarming):
		return http.StatusConflict
	case errors.Is(err, robot.ErrNotStarted),
		errors.Is(err, robot.ErrCrashed),
		errors.Is(err, command.ErrStopped),
		errors.Is(err, safety.ErrStopped),
		errors.Is(err, ErrNoStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, command.ErrPreemptTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	var stateErr *command.StateError
	if errors.As(err, &stateErr) {
		resp.CurrentState = stateErr.Current
		resp.AllowedStates = stateErr.Allowed
	}
	var disarmErr *safety.DisarmError
	if errors.As(err, &disarmErr) {
		resp.Failures = disarmErr.Failures
	}
	return resp
}
