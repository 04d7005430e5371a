package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/resultcache"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config defines the orchestrator behavior.
type Config struct {
	// PreemptableDefault applies to commands that do not declare Preemptable.
	PreemptableDefault bool `yaml:"preemptable_default"`
	// PreemptTimeout bounds the wait for a preempted command to stop.
	PreemptTimeout time.Duration `yaml:"preempt_timeout"`
	// AwaitTimeout bounds Await when the caller's context has no deadline.
	AwaitTimeout time.Duration `yaml:"await_timeout"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		PreemptableDefault: true,
		PreemptTimeout:     5 * time.Second,
		AwaitTimeout:       30 * time.Second,
	}
}

// SafetyReader exposes the committed safety state of a robot.
type SafetyReader interface {
	State(robot string) (models.SafetyState, bool)
}

// Deps are the collaborators shared by every orchestrator.
type Deps struct {
	Bus    *bus.Bus
	Params *parameter.Store
	Cache  *resultcache.Cache
	Safety SafetyReader
	Logger *slog.Logger
}

// Handle identifies an accepted invocation.
type Handle struct {
	Robot       string `json:"robot"`
	Command     string `json:"command"`
	ExecutionID string `json:"execution_id"`
}

type snapshot struct {
	state   models.OperationalState
	unit    *Unit
	command string
}

type orchOp int

const (
	orchExecute orchOp = iota
	orchCancel
)

type orchRequest struct {
	op    orchOp
	name  string
	goal  map[string]interface{}
	reply chan orchReply
}

type orchReply struct {
	handle Handle
	err    error
}

type completion struct {
	unit *Unit
	res  Result
}

// Orchestrator is the per-robot actor owning the operational state and the
// single active invocation slot.
type Orchestrator struct {
	robot   string
	cfg     Config
	catalog *Catalog
	deps    Deps
	log     *slog.Logger
	tracer  trace.Tracer

	snap atomic.Pointer[snapshot]

	mbox        chan orchRequest
	completions chan completion
	safetySub   *bus.Subscription

	// Actor-owned.
	state      models.OperationalState
	current    *Unit
	currentDef *Definition

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator creates the orchestrator for one robot. Call Start before use.
func NewOrchestrator(robot string, cfg Config, catalog *Catalog, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.PreemptTimeout <= 0 {
		cfg.PreemptTimeout = def.PreemptTimeout
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = def.AwaitTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Cache == nil {
		deps.Cache = resultcache.New(resultcache.DefaultConfig(), deps.Logger)
	}
	o := &Orchestrator{
		robot:       robot,
		cfg:         cfg,
		catalog:     catalog,
		deps:        deps,
		log:         deps.Logger.With("component", "orchestrator", "robot", robot),
		tracer:      otel.Tracer("github.com/fentz26/armctl/internal/command"),
		mbox:        make(chan orchRequest, 16),
		completions: make(chan completion, 4),
		state:       models.StateDisarmed,
		done:        make(chan struct{}),
	}
	o.commit()
	return o
}

// Start subscribes to the robot's safety transitions and runs the actor loop.
func (o *Orchestrator) Start() {
	o.safetySub = o.deps.Bus.Subscribe("safety", o.robot)
	o.wg.Add(1)
	go o.loop()
	o.log.Info("orchestrator started", "commands", len(o.catalog.Names()))
}

// Stop cancels the running command, waits for it and ends the actor loop.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.done) })
	o.wg.Wait()
}

// Robot returns the robot name.
func (o *Orchestrator) Robot() string { return o.robot }

// Catalog returns the robot's command catalog.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// Execute requests a command. It returns once the invocation is accepted,
// not when it completes.
func (o *Orchestrator) Execute(ctx context.Context, name string, goal map[string]interface{}) (Handle, error) {
	r, err := o.call(ctx, orchRequest{op: orchExecute, name: name, goal: goal})
	if err != nil {
		return Handle{}, err
	}
	return r.handle, r.err
}

// Cancel stops the running command. Its waiters receive a cancelled result.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	r, err := o.call(ctx, orchRequest{op: orchCancel})
	if err != nil {
		return err
	}
	return r.err
}

// State returns the last committed operational state.
func (o *Orchestrator) State() models.OperationalState {
	return o.snap.Load().state
}

// Current returns the handle of the running command, if any.
func (o *Orchestrator) Current() (Handle, bool) {
	s := o.snap.Load()
	if s.unit == nil {
		return Handle{}, false
	}
	return Handle{Robot: o.robot, Command: s.command, ExecutionID: s.unit.ID()}, true
}

// CheckAllowed reports whether the current state is one of allowed.
func (o *Orchestrator) CheckAllowed(allowed []models.OperationalState) error {
	cur := o.State()
	for _, s := range allowed {
		if s == cur {
			return nil
		}
	}
	return &StateError{Robot: o.robot, Current: cur, Allowed: allowed}
}

// Await returns the result of an invocation. Waiting is bounded by the
// configured await timeout when ctx has no deadline.
func (o *Orchestrator) Await(ctx context.Context, executionID string) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.AwaitTimeout)
		defer cancel()
	}
	if s := o.snap.Load(); s.unit != nil && s.unit.ID() == executionID {
		return s.unit.Await(ctx)
	}
	return claim(o.deps.Cache, o.robot, executionID)
}

func (o *Orchestrator) call(ctx context.Context, req orchRequest) (orchReply, error) {
	req.reply = make(chan orchReply, 1)
	select {
	case o.mbox <- req:
	case <-ctx.Done():
		return orchReply{}, ctx.Err()
	case <-o.done:
		return orchReply{}, ErrStopped
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return orchReply{}, ctx.Err()
	case <-o.done:
		return orchReply{}, ErrStopped
	}
}

// --- Actor ---

func (o *Orchestrator) loop() {
	defer o.wg.Done()
	defer o.safetySub.Close()

	safetyC := o.safetySub.C()
	for {
		select {
		case <-o.done:
			if o.current != nil {
				o.current.Cancel()
			}
			return
		case req := <-o.mbox:
			o.handle(req)
		case c := <-o.completions:
			o.complete(c)
		case _, ok := <-safetyC:
			if !ok {
				safetyC = nil
				continue
			}
			o.reconcile()
		}
	}
}

func (o *Orchestrator) handle(req orchRequest) {
	switch req.op {
	case orchExecute:
		h, err := o.execute(req.name, req.goal)
		req.reply <- orchReply{handle: h, err: err}
	case orchCancel:
		if o.current == nil {
			req.reply <- orchReply{err: fmt.Errorf("%w: %s", ErrNoExecution, o.robot)}
			return
		}
		o.log.Info("cancelling command", "command", o.currentDef.Name, "execution_id", o.current.ID())
		o.current.Cancel()
		req.reply <- orchReply{}
	}
}

func (o *Orchestrator) execute(name string, goal map[string]interface{}) (Handle, error) {
	def, ok := o.catalog.Lookup(name)
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	o.reconcile()

	if o.current != nil {
		if !def.Allows(models.StateExecuting) || !o.preemptable(o.currentDef) {
			return Handle{}, &StateError{Robot: o.robot, Command: name, Current: models.StateExecuting, Allowed: def.AllowedStates}
		}
		if err := o.preempt(name); err != nil {
			return Handle{}, err
		}
	} else if !def.Allows(o.state) {
		return Handle{}, &StateError{Robot: o.robot, Command: name, Current: o.state, Allowed: def.AllowedStates}
	}

	if def.RequiresArmed && o.safetyState() != models.SafetyArmed {
		return Handle{}, fmt.Errorf("%w: %s requires %s to be armed", ErrNotArmed, name, o.robot)
	}
	return o.launch(def, goal)
}

func (o *Orchestrator) preemptable(def *Definition) bool {
	if def.Preemptable != nil {
		return *def.Preemptable
	}
	return o.cfg.PreemptableDefault
}

// preempt cancels the running command and processes completions until it
// has reported back.
func (o *Orchestrator) preempt(by string) error {
	cur := o.current
	o.log.Info("preempting command", "command", o.currentDef.Name, "execution_id", cur.ID(), "by", by)
	cur.Cancel()

	timer := time.NewTimer(o.cfg.PreemptTimeout)
	defer timer.Stop()
	for o.current == cur {
		select {
		case c := <-o.completions:
			o.complete(c)
		case <-timer.C:
			return fmt.Errorf("%w: %s", ErrPreemptTimeout, cur.ID())
		case <-o.done:
			return ErrStopped
		}
	}
	return nil
}

func (o *Orchestrator) launch(def *Definition, goal map[string]interface{}) (Handle, error) {
	id := uuid.New().String()
	u, err := newUnit(id, o.robot, def, goal, unitDeps{
		log:    o.log,
		tracer: o.tracer,
		bus:    o.deps.Bus,
		params: o.deps.Params,
		cache:  o.deps.Cache,
		onDone: o.notify,
	})
	if err != nil {
		return Handle{}, err
	}

	o.current, o.currentDef = u, def
	o.transition(models.StateExecuting, "execute "+def.Name)
	o.publishCommand(def.Name, id, models.EventCommandStarted, map[string]interface{}{
		"goal": u.inv.Goal,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		u.run(context.Background())
	}()

	o.log.Info("command started", "command", def.Name, "execution_id", id)
	return Handle{Robot: o.robot, Command: def.Name, ExecutionID: id}, nil
}

// notify is called once by a unit after it answered its waiters.
func (o *Orchestrator) notify(u *Unit, res Result) {
	select {
	case o.completions <- completion{unit: u, res: res}:
	case <-o.done:
	}
}

func (o *Orchestrator) complete(c completion) {
	if c.unit != o.current {
		o.log.Warn("completion from unknown invocation", "execution_id", c.unit.ID())
		return
	}
	def := o.currentDef
	o.current, o.currentDef = nil, nil

	next := models.StateIdle
	if c.res.Status == models.RunSucceeded && def.NextState != "" {
		next = def.NextState
	}
	if req := c.unit.inv.NextState(); req != "" {
		next = req
	}
	if next == models.StateIdle && o.safetyState() != models.SafetyArmed {
		next = models.StateDisarmed
	}
	o.transition(next, "complete "+def.Name)

	kind := models.EventCommandSucceeded
	data := map[string]interface{}{"status": string(c.res.Status)}
	if c.res.Value != nil {
		data["result"] = c.res.Value
	}
	if c.res.Err != nil {
		kind = models.EventCommandFailed
		if c.res.Status == models.RunCancelled {
			kind = models.EventCommandCancelled
		}
		data["kind"] = string(c.res.Err.Kind)
		data["error"] = c.res.Err.Reason
	}
	o.publishCommand(def.Name, c.unit.ID(), kind, data)
	o.log.Info("command finished", "command", def.Name, "execution_id", c.unit.ID(), "status", c.res.Status, "state", next)
}

// reconcile couples the operational state to the safety state while no
// command runs. A running command learns of safety changes itself.
func (o *Orchestrator) reconcile() {
	if o.current != nil {
		return
	}
	switch o.safetyState() {
	case models.SafetyArmed:
		if o.state == models.StateDisarmed {
			o.transition(models.StateArmed, "safety armed")
		}
	case models.SafetyDisarmed, models.SafetyError:
		if o.state != models.StateDisarmed {
			o.transition(models.StateDisarmed, "safety disarmed")
		}
	}
}

func (o *Orchestrator) safetyState() models.SafetyState {
	if o.deps.Safety == nil {
		return models.SafetyDisarmed
	}
	s, ok := o.deps.Safety.State(o.robot)
	if !ok {
		return models.SafetyDisarmed
	}
	return s
}

func (o *Orchestrator) transition(to models.OperationalState, reason string) {
	from := o.state
	o.state = to
	o.commit()
	if from == to {
		return
	}
	o.deps.Bus.Publish([]string{"state_machine", o.robot}, models.Event{
		Kind:  models.EventStateTransition,
		Robot: o.robot,
		From:  string(from),
		To:    string(to),
		Data:  map[string]interface{}{"reason": reason},
	})
	o.log.Debug("operational transition", "from", from, "to", to, "reason", reason)
}

func (o *Orchestrator) publishCommand(name, id, kind string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["execution_id"] = id
	data["command"] = name
	o.deps.Bus.Publish([]string{"command", o.robot, name, id}, models.Event{
		Kind:  kind,
		Robot: o.robot,
		Data:  data,
	})
}

// commit swaps in a fresh snapshot. Only the actor goroutine calls it.
func (o *Orchestrator) commit() {
	s := &snapshot{state: o.state, unit: o.current}
	if o.currentDef != nil {
		s.command = o.currentDef.Name
	}
	o.snap.Store(s)
}
