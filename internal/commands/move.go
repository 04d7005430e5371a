package commands

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/models"
)

// Motion errors.
var (
	ErrNoTarget      = errors.New("no motion target")
	ErrUnknownJoint  = errors.New("unknown actuator")
	ErrInvalidSpeed  = errors.New("invalid speed")
	ErrSafetyAborted = errors.New("motion aborted: robot no longer armed")
)

type motionDone struct {
	path string
	gen  int
	err  error
}

// moveHandler drives actuators to targets asynchronously. Each actuator
// reports back through Invocation.Send.
type moveHandler struct {
	command.Base
	actuators map[string]Actuator
	home      bool

	targets map[string]float64
	pending map[string]int
	speed   float64
	gen     int
}

func newMoveHandler(actuators map[string]Actuator, home bool) *moveHandler {
	return &moveHandler{actuators: actuators, home: home}
}

func (h *moveHandler) Init(inv *command.Invocation) error {
	targets, err := h.parseTargets(inv)
	if err != nil {
		return err
	}
	speed, ok := inv.OptionFloat("speed")
	if !ok || speed <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, inv.Options["speed"])
	}
	h.targets = targets
	h.speed = speed
	h.pending = make(map[string]int, len(targets))
	return nil
}

func (h *moveHandler) parseTargets(inv *command.Invocation) (map[string]float64, error) {
	targets := make(map[string]float64)
	if h.home {
		for path := range h.actuators {
			targets[path] = 0
		}
	} else if raw, ok := inv.Goal["positions"].(map[string]interface{}); ok {
		for path, v := range raw {
			if _, known := h.actuators[path]; !known {
				return nil, fmt.Errorf("%w: %s", ErrUnknownJoint, path)
			}
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("position for %s is not a number: %v", path, v)
			}
			targets[path] = f
		}
	} else if pos, ok := inv.GoalFloat("position"); ok {
		for path := range h.actuators {
			targets[path] = pos
		}
	}
	if len(targets) == 0 {
		return nil, ErrNoTarget
	}
	return targets, nil
}

func (h *moveHandler) Step(inv *command.Invocation) (command.Action, error) {
	paths := make([]string, 0, len(h.targets))
	for path := range h.targets {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	if err := h.drive(inv, paths); err != nil {
		return command.Done, err
	}
	return command.Continue, nil
}

// drive (re)starts motion of the given actuators at the current speed.
func (h *moveHandler) drive(inv *command.Invocation, paths []string) error {
	h.gen++
	gen := h.gen
	for _, path := range paths {
		path := path
		h.pending[path] = gen
		err := h.actuators[path].MoveTo(h.targets[path], h.speed, func(err error) {
			inv.Send(motionDone{path: path, gen: gen, err: err})
		})
		if err != nil {
			h.haltAll()
			return err
		}
	}
	return nil
}

func (h *moveHandler) HandleMessage(inv *command.Invocation, msg interface{}) (command.Action, error) {
	d, ok := msg.(motionDone)
	if !ok || h.pending[d.path] != d.gen {
		return command.Continue, nil
	}
	if d.err != nil {
		h.haltAll()
		return command.Done, fmt.Errorf("%s: %w", d.path, d.err)
	}
	delete(h.pending, d.path)
	if len(h.pending) == 0 {
		return command.Done, nil
	}
	return command.Continue, nil
}

// OptionsChanged applies a new speed to the actuators still moving.
func (h *moveHandler) OptionsChanged(inv *command.Invocation, opts map[string]interface{}) (command.Action, error) {
	speed, ok := toFloat(opts["speed"])
	if !ok || speed <= 0 || speed == h.speed {
		return command.Continue, nil
	}
	h.speed = speed
	inv.Logger().Info("motion speed changed", "speed", speed, "moving", len(h.pending))

	paths := make([]string, 0, len(h.pending))
	for path := range h.pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	if err := h.drive(inv, paths); err != nil {
		return command.Done, err
	}
	return command.Continue, nil
}

func (h *moveHandler) HandleSafety(inv *command.Invocation, s models.SafetyState) (command.Action, error) {
	if s == models.SafetyArmed {
		return command.Continue, nil
	}
	h.haltAll()
	return command.Done, fmt.Errorf("%w (%s)", ErrSafetyAborted, s)
}

func (h *moveHandler) Result(inv *command.Invocation) (interface{}, error) {
	positions := make(map[string]float64, len(h.targets))
	for path := range h.targets {
		positions[path] = h.actuators[path].Position()
	}
	return map[string]interface{}{"positions": positions}, nil
}

// Cleanup stops whatever is still moving, e.g. after cancel or timeout.
func (h *moveHandler) Cleanup(inv *command.Invocation) {
	h.haltAll()
}

func (h *moveHandler) haltAll() {
	for path := range h.pending {
		h.actuators[path].Halt()
	}
	h.pending = map[string]int{}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
