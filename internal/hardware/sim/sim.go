// Package sim provides a simulated actuator used by the daemon and tests in
// place of real bus drivers.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fentz26/armctl/internal/hardware"
	"github.com/google/uuid"
)

// FailMode selects how Disarm misbehaves.
type FailMode string

const (
	FailNone  FailMode = ""
	FailError FailMode = "error"
	FailRaise FailMode = "raise"
	FailThrow FailMode = "throw"
	FailHang  FailMode = "hang"
)

// ErrMotionAborted is returned to a motion callback when motion is stopped early.
var ErrMotionAborted = errors.New("motion aborted")

// tick is the simulation step of motion.
const tick = 10 * time.Millisecond

// Options configures a simulated actuator.
type Options struct {
	FailMode     FailMode
	DisarmDelay  time.Duration
	DisarmParams map[string]interface{}
}

// Actuator is a single simulated joint actuator.
type Actuator struct {
	robot string
	path  string
	id    string
	opts  Options

	mu       sync.Mutex
	position float64
	target   float64
	moving   bool
	abort    chan struct{}
	disarms  int
	failMode FailMode

	ctx    context.Context
	cancel context.CancelFunc
}

// Compile-time assertions that Actuator satisfies the hardware capabilities.
var (
	_ hardware.Disarmer = (*Actuator)(nil)
	_ hardware.Process  = (*Actuator)(nil)
)

// New creates an actuator for robot at the given hardware path.
func New(robot, path string, opts Options) *Actuator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Actuator{
		robot:    robot,
		path:     path,
		id:       uuid.New().String(),
		opts:     opts,
		failMode: opts.FailMode,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the actuator as a disarm handler. The actuator writes its
// own registration; nothing else registers on its behalf.
func (a *Actuator) Start(reg hardware.Registrar) error {
	if reg == nil {
		return nil
	}
	if err := reg.RegisterHandler(a.robot, a.id, a.path, a.opts.DisarmParams, a, a); err != nil {
		return fmt.Errorf("register %s: %w", a.path, err)
	}
	return nil
}

// Path returns the hardware path of the actuator.
func (a *Actuator) Path() string { return a.path }

// ID returns the handler identity of the actuator.
func (a *Actuator) ID() string { return a.id }

// Done is closed when the actuator stops or crashes.
func (a *Actuator) Done() <-chan struct{} { return a.ctx.Done() }

// Stop shuts the actuator down.
func (a *Actuator) Stop() {
	a.Halt()
	a.cancel()
}

// SetFailMode changes how subsequent Disarm calls behave.
func (a *Actuator) SetFailMode(m FailMode) {
	a.mu.Lock()
	a.failMode = m
	a.mu.Unlock()
}

// Disarms returns how many times Disarm completed successfully.
func (a *Actuator) Disarms() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disarms
}

// Position returns the current simulated position.
func (a *Actuator) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// Moving reports whether a motion is in progress.
func (a *Actuator) Moving() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moving
}

// Disarm halts motion and makes the actuator safe.
func (a *Actuator) Disarm(ctx context.Context, opts map[string]interface{}) error {
	a.mu.Lock()
	mode := a.failMode
	a.mu.Unlock()

	switch mode {
	case FailError:
		return fmt.Errorf("%s: brake did not engage", a.path)
	case FailRaise:
		panic(fmt.Errorf("%s: driver fault", a.path))
	case FailThrow:
		panic(a.path + ": bus timeout")
	case FailHang:
		// Frozen hardware ignores ctx; only shutdown releases it.
		<-a.ctx.Done()
		return errors.New("actuator stopped")
	}

	if a.opts.DisarmDelay > 0 {
		select {
		case <-time.After(a.opts.DisarmDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.Halt()
	a.mu.Lock()
	a.disarms++
	a.mu.Unlock()
	return nil
}

// MoveTo starts an asynchronous motion to target at speed units per second.
// done is called exactly once when the motion finishes or is aborted.
func (a *Actuator) MoveTo(target, speed float64, done func(error)) error {
	if speed <= 0 {
		return fmt.Errorf("%s: speed must be positive, got %v", a.path, speed)
	}

	a.mu.Lock()
	if a.moving {
		close(a.abort)
	}
	abort := make(chan struct{})
	a.abort = abort
	a.target = target
	a.moving = true
	a.mu.Unlock()

	go a.run(abort, speed, done)
	return nil
}

// Halt stops any motion in progress.
func (a *Actuator) Halt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.moving {
		close(a.abort)
		a.moving = false
	}
}

func (a *Actuator) run(abort chan struct{}, speed float64, done func(error)) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	step := speed * tick.Seconds()
	for {
		select {
		case <-abort:
			if done != nil {
				done(ErrMotionAborted)
			}
			return
		case <-a.ctx.Done():
			if done != nil {
				done(ErrMotionAborted)
			}
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		if a.abort != abort {
			a.mu.Unlock()
			if done != nil {
				done(ErrMotionAborted)
			}
			return
		}
		delta := a.target - a.position
		if math.Abs(delta) <= step {
			a.position = a.target
			a.moving = false
			a.abort = nil
			a.mu.Unlock()
			if done != nil {
				done(nil)
			}
			return
		}
		a.position += math.Copysign(step, delta)
		a.mu.Unlock()
	}
}
