package commands

import (
	"context"
	"errors"

	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/safety"
)

type armHandler struct {
	command.Base
	safety Safety
}

// Step arms the robot. A robot that is already armed only needs its
// operational state brought to idle.
func (h *armHandler) Step(inv *command.Invocation) (command.Action, error) {
	if s, _ := h.safety.State(inv.Robot); s == models.SafetyArmed {
		return command.Done, nil
	}
	return command.Done, h.safety.Arm(inv.Context(), inv.Robot)
}

func (h *armHandler) Result(inv *command.Invocation) (interface{}, error) {
	s, _ := h.safety.State(inv.Robot)
	return map[string]interface{}{"safety": string(s)}, nil
}

type disarmDone struct{ err error }

// disarmHandler runs the disarm protocol off the unit goroutine so the unit
// keeps answering waiters while handlers are called.
type disarmHandler struct {
	command.Base
	safety Safety
	err    error
}

func (h *disarmHandler) Step(inv *command.Invocation) (command.Action, error) {
	// The protocol must run to the end even if the invocation is cancelled.
	ctx := context.WithoutCancel(inv.Context())
	go func() {
		inv.Send(disarmDone{err: h.safety.Disarm(ctx, inv.Robot)})
	}()
	return command.Continue, nil
}

func (h *disarmHandler) HandleMessage(inv *command.Invocation, msg interface{}) (command.Action, error) {
	d, ok := msg.(disarmDone)
	if !ok {
		return command.Continue, nil
	}
	h.err = d.err
	return command.Done, d.err
}

func (h *disarmHandler) Result(inv *command.Invocation) (interface{}, error) {
	s, _ := h.safety.State(inv.Robot)
	out := map[string]interface{}{"safety": string(s)}
	var derr *safety.DisarmError
	if errors.As(h.err, &derr) {
		out["failures"] = derr.Failures
	}
	return out, nil
}

type forceDisarmHandler struct {
	command.Base
	safety Safety
}

func (h *forceDisarmHandler) Step(inv *command.Invocation) (command.Action, error) {
	return command.Done, h.safety.ForceDisarm(inv.Context(), inv.Robot)
}
