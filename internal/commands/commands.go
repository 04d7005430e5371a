// Package commands provides the built-in robot commands. Safety commands
// and motion commands share the same definition mechanism.
package commands

import (
	"context"
	"time"

	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
)

// SpeedParam is the parameter that motion speed follows by default.
const SpeedParam = "motion/max_speed"

// DefaultMotionTimeout bounds a move or home command.
const DefaultMotionTimeout = 60 * time.Second

// Safety is the part of the safety authority the commands drive.
type Safety interface {
	Arm(ctx context.Context, robot string) error
	Disarm(ctx context.Context, robot string) error
	ForceDisarm(ctx context.Context, robot string) error
	State(robot string) (models.SafetyState, bool)
}

// Actuator is a movable joint.
type Actuator interface {
	Path() string
	Position() float64
	MoveTo(target, speed float64, done func(error)) error
	Halt()
}

// Builtin returns the built-in command definitions for one robot.
func Builtin(safety Safety, actuators []Actuator) []*command.Definition {
	preemptable := true
	exclusive := false

	byPath := make(map[string]Actuator, len(actuators))
	for _, a := range actuators {
		byPath[a.Path()] = a
	}
	motionOptions := func() map[string]interface{} {
		return map[string]interface{}{"speed": parameter.Ref{Path: SpeedParam}}
	}

	return []*command.Definition{
		{
			Name:          "arm",
			AllowedStates: []models.OperationalState{models.StateDisarmed, models.StateArmed},
			NextState:     models.StateIdle,
			New:           func() command.Handler { return &armHandler{safety: safety} },
		},
		{
			Name:          "disarm",
			AllowedStates: []models.OperationalState{models.StateIdle, models.StateArmed, models.StateExecuting},
			NextState:     models.StateDisarmed,
			Preemptable:   &exclusive,
			New:           func() command.Handler { return &disarmHandler{safety: safety} },
		},
		{
			Name:          "force_disarm",
			AllowedStates: []models.OperationalState{models.StateDisarmed},
			NextState:     models.StateDisarmed,
			Preemptable:   &exclusive,
			New:           func() command.Handler { return &forceDisarmHandler{safety: safety} },
		},
		{
			Name:          "move",
			AllowedStates: []models.OperationalState{models.StateIdle},
			RequiresArmed: true,
			Preemptable:   &preemptable,
			Timeout:       DefaultMotionTimeout,
			Options:       motionOptions(),
			New:           func() command.Handler { return newMoveHandler(byPath, false) },
		},
		{
			Name:          "home",
			AllowedStates: []models.OperationalState{models.StateIdle},
			RequiresArmed: true,
			Preemptable:   &preemptable,
			Timeout:       DefaultMotionTimeout,
			Options:       motionOptions(),
			New:           func() command.Handler { return newMoveHandler(byPath, true) },
		},
	}
}
