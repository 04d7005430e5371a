// Package safety implements the process-wide Safety Authority: the only
// writer of each robot's safety state and the coordinator of every hardware
// disarm handler.
//
// All state changes run on a single actor goroutine. Reads are served from an
// atomically swapped snapshot and may briefly lag the actor, but never show a
// state the actor did not commit.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/hardware"
	"github.com/fentz26/armctl/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config defines the safety authority behavior.
type Config struct {
	// DisarmTimeout bounds each individual handler's Disarm call.
	DisarmTimeout time.Duration `yaml:"disarm_timeout" env:"ARMCTL_DISARM_TIMEOUT"`
	// AutoDisarm disarms an armed robot when a hardware error is reported.
	AutoDisarm bool `yaml:"auto_disarm" env:"ARMCTL_AUTO_DISARM"`
}

// DefaultConfig returns the default safety configuration.
func DefaultConfig() Config {
	return Config{
		DisarmTimeout: 5 * time.Second,
		AutoDisarm:    true,
	}
}

// Directory resolves a robot name to its running top-level process.
type Directory interface {
	Lookup(name string) (hardware.Process, bool)
}

// DecisionRecorder journals safety decisions.
type DecisionRecorder interface {
	Record(action string, inputs interface{}, outcome, robot, details string) (*models.PDREntry, error)
}

type opKind int

const (
	opRegister opKind = iota
	opArm
	opDisarm
	opForceDisarm
	opReportError
	opRobotDown
	opDisarmDone
)

type request struct {
	op       opKind
	robot    string
	path     string
	err      error
	proc     hardware.Process
	failures []HandlerFailure
	seq      uint64
	reply    chan error
}

type robotEntry struct {
	state     models.SafetyState
	proc      hardware.Process
	stopWatch chan struct{}
	waiters   []chan error
	seq       uint64
	down      bool
}

// Authority is the process-wide safety actor.
type Authority struct {
	cfg    Config
	log    *slog.Logger
	bus    *bus.Bus
	dir    Directory
	pdr    DecisionRecorder
	tracer trace.Tracer

	registry *registry
	snapshot atomic.Pointer[map[string]models.SafetyState]

	mbox   chan request
	robots map[string]*robotEntry

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a safety authority. Call Start before use.
func New(cfg Config, dir Directory, b *bus.Bus, logger *slog.Logger) *Authority {
	if cfg.DisarmTimeout <= 0 {
		cfg.DisarmTimeout = DefaultConfig().DisarmTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = bus.New()
	}
	a := &Authority{
		cfg:      cfg,
		log:      logger.With("component", "safety"),
		bus:      b,
		dir:      dir,
		tracer:   otel.Tracer("github.com/fentz26/armctl/internal/safety"),
		registry: newRegistry(),
		mbox:     make(chan request, 64),
		robots:   make(map[string]*robotEntry),
		done:     make(chan struct{}),
	}
	empty := map[string]models.SafetyState{}
	a.snapshot.Store(&empty)
	return a
}

// SetRecorder sets the decision recorder. Must be called before Start.
func (a *Authority) SetRecorder(r DecisionRecorder) {
	a.pdr = r
}

// Start runs the actor loop.
func (a *Authority) Start() {
	a.wg.Add(1)
	go a.loop()
	a.log.Info("safety authority started", "disarm_timeout", a.cfg.DisarmTimeout, "auto_disarm", a.cfg.AutoDisarm)
}

// Stop ends the actor loop. Pending callers receive ErrStopped.
func (a *Authority) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

// --- Client surface ---

// RegisterRobot begins monitoring the robot's process and initializes its
// safety state to disarmed.
func (a *Authority) RegisterRobot(ctx context.Context, robot string) error {
	return a.call(ctx, request{op: opRegister, robot: robot})
}

// RegisterHandler records a disarm handler. It is called by the handler
// itself during startup and does not go through the actor.
func (a *Authority) RegisterHandler(robot, id, path string, opts map[string]interface{}, d hardware.Disarmer, p hardware.Process) error {
	if robot == "" || id == "" || d == nil {
		return fmt.Errorf("%w: robot=%q id=%q", ErrInvalidHandler, robot, id)
	}
	reg := &Registration{
		Robot:        robot,
		ID:           id,
		Path:         path,
		Options:      opts,
		Disarmer:     d,
		Process:      p,
		RegisteredAt: time.Now(),
	}
	a.registry.put(reg)
	if p != nil {
		go a.watchHandler(reg)
	}
	return nil
}

// Arm moves a robot from disarmed to armed.
func (a *Authority) Arm(ctx context.Context, robot string) error {
	return a.call(ctx, request{op: opArm, robot: robot})
}

// Disarm runs the disarm protocol on an armed robot. A *DisarmError lists
// every handler that failed.
func (a *Authority) Disarm(ctx context.Context, robot string) error {
	return a.call(ctx, request{op: opDisarm, robot: robot})
}

// ForceDisarm clears a safety error without touching the hardware.
func (a *Authority) ForceDisarm(ctx context.Context, robot string) error {
	return a.call(ctx, request{op: opForceDisarm, robot: robot})
}

// ReportError publishes a hardware fault and, when the robot is armed and
// auto-disarm is enabled, starts a disarm. It never blocks the reporter.
func (a *Authority) ReportError(robot, path string, err error) {
	go a.post(request{op: opReportError, robot: robot, path: path, err: err})
}

// State returns the last committed safety state of a robot.
func (a *Authority) State(robot string) (models.SafetyState, bool) {
	s, ok := (*a.snapshot.Load())[robot]
	return s, ok
}

// IsArmed reports whether the robot is armed.
func (a *Authority) IsArmed(robot string) bool {
	s, _ := a.State(robot)
	return s == models.SafetyArmed
}

// InError reports whether the robot is in safety error.
func (a *Authority) InError(robot string) bool {
	s, _ := a.State(robot)
	return s == models.SafetyError
}

// Handlers returns the hardware paths of a robot's registered handlers.
func (a *Authority) Handlers(robot string) []string {
	regs := a.registry.list(robot)
	paths := make([]string, 0, len(regs))
	for _, r := range regs {
		paths = append(paths, r.Path)
	}
	sort.Strings(paths)
	return paths
}

func (a *Authority) call(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case a.mbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrStopped
	}
}

func (a *Authority) post(req request) {
	select {
	case a.mbox <- req:
	case <-a.done:
	}
}

// --- Actor ---

func (a *Authority) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			for _, e := range a.robots {
				for _, w := range e.waiters {
					w <- ErrStopped
				}
				close(e.stopWatch)
			}
			return
		case req := <-a.mbox:
			a.handle(req)
		}
	}
}

func (a *Authority) handle(req request) {
	e := a.robots[req.robot]

	switch req.op {
	case opRegister:
		req.reply <- a.register(req.robot)

	case opArm:
		switch {
		case e == nil:
			req.reply <- fmt.Errorf("%w: %s", ErrNotRegistered, req.robot)
		case e.state == models.SafetyArmed:
			req.reply <- ErrAlreadyArmed
		case e.state == models.SafetyError:
			req.reply <- ErrInError
		case e.state == models.SafetyDisarming:
			req.reply <- ErrDisarming
		default:
			a.transition(req.robot, e, models.SafetyArmed, "arm")
			a.record("safety.arm", req.robot, "success", "")
			req.reply <- nil
		}

	case opDisarm:
		switch {
		case e == nil:
			req.reply <- fmt.Errorf("%w: %s", ErrNotRegistered, req.robot)
		case e.state == models.SafetyDisarming:
			req.reply <- ErrDisarming
		case e.state != models.SafetyArmed:
			req.reply <- fmt.Errorf("%w: state is %s", ErrNotArmed, e.state)
		default:
			a.beginDisarm(req.robot, e, "disarm", req.reply)
		}

	case opForceDisarm:
		switch {
		case e == nil:
			req.reply <- fmt.Errorf("%w: %s", ErrNotRegistered, req.robot)
		case e.state != models.SafetyError:
			req.reply <- fmt.Errorf("%w: state is %s", ErrNotInError, e.state)
		default:
			a.log.Error("UNSAFE OVERRIDE: force disarm clears safety error without verifying hardware state",
				"robot", req.robot, "handlers", len(a.registry.list(req.robot)))
			a.transition(req.robot, e, models.SafetyDisarmed, "force_disarm")
			a.record("safety.force_disarm", req.robot, "override", "hardware state unverified")
			req.reply <- nil
		}

	case opReportError:
		reason := ""
		if req.err != nil {
			reason = req.err.Error()
		}
		a.bus.Publish([]string{"hardware_error", req.robot}, models.Event{
			Kind:  models.EventHardwareError,
			Robot: req.robot,
			Data:  map[string]interface{}{"path": req.path, "error": reason},
		})
		a.log.Warn("hardware error reported", "robot", req.robot, "path", req.path, "error", reason)
		if e != nil && e.state == models.SafetyArmed && a.cfg.AutoDisarm {
			a.beginDisarm(req.robot, e, "auto_disarm", nil)
		}

	case opRobotDown:
		if e == nil || e.proc != req.proc {
			return
		}
		e.down = true
		switch e.state {
		case models.SafetyArmed:
			a.log.Error("robot exited while armed; disarming remaining handlers", "robot", req.robot)
			a.beginDisarm(req.robot, e, "robot_down", nil)
		case models.SafetyDisarming:
			// The running protocol discards the robot when it finishes.
		default:
			a.discard(req.robot)
		}

	case opDisarmDone:
		if e == nil || e.seq != req.seq {
			return
		}
		a.finishDisarm(req.robot, e, req.failures)
	}
}

func (a *Authority) register(robot string) error {
	if _, exists := a.robots[robot]; exists {
		return nil
	}
	if a.dir == nil {
		return fmt.Errorf("%w: %s", ErrRobotNotFound, robot)
	}
	proc, ok := a.dir.Lookup(robot)
	if !ok || proc == nil {
		return fmt.Errorf("%w: %s", ErrRobotNotFound, robot)
	}

	e := &robotEntry{
		state:     models.SafetyDisarmed,
		proc:      proc,
		stopWatch: make(chan struct{}),
	}
	a.robots[robot] = e
	a.commit()
	a.publish(robot, "", models.SafetyDisarmed, "register")

	a.wg.Add(1)
	go a.watchRobot(robot, proc, e.stopWatch)

	a.log.Info("robot registered", "robot", robot)
	return nil
}

func (a *Authority) beginDisarm(robot string, e *robotEntry, reason string, waiter chan error) {
	e.seq++
	seq := e.seq
	if waiter != nil {
		e.waiters = append(e.waiters, waiter)
	}

	// Committed and published before any hardware call.
	a.transition(robot, e, models.SafetyDisarming, reason)

	regs := a.registry.list(robot)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		failures := a.runDisarm(robot, reason, regs)
		a.post(request{op: opDisarmDone, robot: robot, failures: failures, seq: seq})
	}()
}

func (a *Authority) finishDisarm(robot string, e *robotEntry, failures []HandlerFailure) {
	var result error
	if len(failures) == 0 {
		a.transition(robot, e, models.SafetyDisarmed, "disarm_complete")
		a.record("safety.disarm", robot, "success", "")
	} else {
		derr := &DisarmError{Robot: robot, Failures: failures}
		result = derr
		a.transition(robot, e, models.SafetyError, "disarm_failed")
		a.record("safety.disarm", robot, "error", derr.Error())
		if len(e.waiters) == 0 {
			for _, f := range failures {
				a.log.Error("disarm handler failed", "robot", robot, "path", f.Path, "kind", f.Kind, "reason", f.Reason)
			}
		}
	}

	for _, w := range e.waiters {
		w <- result
	}
	e.waiters = nil

	if e.down {
		a.discard(robot)
	}
}

func (a *Authority) discard(robot string) {
	e, ok := a.robots[robot]
	if !ok {
		return
	}
	select {
	case <-e.stopWatch:
	default:
		close(e.stopWatch)
	}
	delete(a.robots, robot)
	a.registry.dropRobot(robot)
	a.commit()
	a.log.Info("robot state discarded", "robot", robot)
}

func (a *Authority) transition(robot string, e *robotEntry, to models.SafetyState, reason string) {
	from := e.state
	e.state = to
	a.commit()
	a.publish(robot, from, to, reason)
	a.log.Info("safety transition", "robot", robot, "from", from, "to", to, "reason", reason)
}

func (a *Authority) publish(robot string, from, to models.SafetyState, reason string) {
	a.bus.Publish([]string{"safety", robot}, models.Event{
		Kind:  models.EventSafetyTransition,
		Robot: robot,
		From:  string(from),
		To:    string(to),
		Data:  map[string]interface{}{"reason": reason},
	})
}

// commit swaps in a fresh snapshot. Only the actor goroutine calls it.
func (a *Authority) commit() {
	snap := make(map[string]models.SafetyState, len(a.robots))
	for name, e := range a.robots {
		snap[name] = e.state
	}
	a.snapshot.Store(&snap)
}

func (a *Authority) record(action, robot, outcome, details string) {
	if a.pdr == nil {
		return
	}
	if _, err := a.pdr.Record(action, map[string]string{"robot": robot}, outcome, robot, details); err != nil {
		a.log.Warn("failed to record safety decision", "action", action, "robot", robot, "error", err)
	}
}

func (a *Authority) watchRobot(robot string, proc hardware.Process, stop chan struct{}) {
	defer a.wg.Done()
	select {
	case <-proc.Done():
		a.post(request{op: opRobotDown, robot: robot, proc: proc})
	case <-stop:
	case <-a.done:
	}
}

func (a *Authority) watchHandler(reg *Registration) {
	select {
	case <-reg.Process.Done():
		if a.registry.remove(reg) {
			a.log.Debug("disarm handler exited; registration removed", "robot", reg.Robot, "path", reg.Path)
		}
	case <-a.done:
	}
}
