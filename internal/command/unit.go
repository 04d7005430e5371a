package command

import (
	"context"
	"fmt"
	"errors"
	"log/slog"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/resultcache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result is the final outcome of one invocation.
type Result struct {
	ExecutionID string           `json:"execution_id"`
	Robot       string           `json:"robot"`
	Command     string           `json:"command"`
	Status      models.RunStatus `json:"status"`
	Value       interface{}      `json:"value,omitempty"`
	Err         *CommandError    `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
}

// Error returns the failure as an error, or nil on success.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Causes attached to the invocation context.
var (
	errCancelled = errors.New("cancelled")
	errTimedOut  = errors.New("timed out")
)

type paramChange struct {
	path  string
	value interface{}
}

// Unit drives one handler from start to a single final result.
type Unit struct {
	inv     *Invocation
	def     *Definition
	handler Handler

	log    *slog.Logger
	tracer trace.Tracer
	bus    *bus.Bus
	params *parameter.Store
	cache  *resultcache.Cache

	// refs maps option name to the parameter path it follows.
	refs    map[string]string
	watches map[string]<-chan parameter.Change
	unwatch []func()

	// ctx is cancelled by Cancel and, once running, bounded by the
	// declared timeout.
	ctx       context.Context
	cancelCtx context.CancelCauseFunc

	awaits   chan chan Result
	msgs     chan interface{}
	paramC   chan paramChange
	finished chan struct{}
	exited   chan struct{}

	safety    *bus.Subscription
	waiters   []chan Result
	startedAt time.Time
	onDone    func(*Unit, Result)
}

type unitDeps struct {
	log    *slog.Logger
	tracer trace.Tracer
	bus    *bus.Bus
	params *parameter.Store
	cache  *resultcache.Cache
	onDone func(*Unit, Result)
}

// newUnit builds a unit and resolves its parameter references. It does not
// start the handler.
func newUnit(id, robot string, def *Definition, goal map[string]interface{}, deps unitDeps) (*Unit, error) {
	opts := make(map[string]interface{}, len(def.Options))
	for k, v := range def.Options {
		opts[k] = v
	}
	if override, ok := goal["options"].(map[string]interface{}); ok {
		for k, v := range override {
			opts[k] = v
		}
	}

	refs := make(map[string]string)
	for name, v := range opts {
		if ref, ok := parameter.AsRef(v); ok {
			refs[name] = ref.Path
		}
	}
	resolved := opts
	if len(refs) > 0 {
		if deps.params == nil {
			return nil, fmt.Errorf("resolve options for %s: no parameter store", def.Name)
		}
		var err error
		resolved, _, err = deps.params.Resolve(robot, opts)
		if err != nil {
			return nil, fmt.Errorf("resolve options for %s: %w", def.Name, err)
		}
	}

	u := &Unit{
		def:       def,
		handler:   def.New(),
		log:       deps.log.With("execution_id", id, "command", def.Name),
		tracer:    deps.tracer,
		bus:       deps.bus,
		params:    deps.params,
		cache:     deps.cache,
		refs:      refs,
		awaits:    make(chan chan Result),
		msgs:      make(chan interface{}, 16),
		paramC:    make(chan paramChange, 8),
		finished:  make(chan struct{}),
		exited:    make(chan struct{}),
		onDone:    deps.onDone,
	}
	if goal == nil {
		goal = map[string]interface{}{}
	}
	u.ctx, u.cancelCtx = context.WithCancelCause(context.Background())
	u.inv = &Invocation{
		ID:       id,
		Robot:    robot,
		Command:  def.Name,
		Goal:     goal,
		Options:  resolved,
		ctx:      u.ctx,
		log:      u.log,
		msgs:     u.msgs,
		finished: u.finished,
	}
	// Subscribed before the unit is started so no change after acceptance
	// is missed.
	if u.bus != nil {
		u.safety = u.bus.Subscribe("safety", robot)
	}
	u.watchParams()
	return u, nil
}

// ID returns the execution id.
func (u *Unit) ID() string { return u.inv.ID }

// Invocation returns the invocation the unit drives.
func (u *Unit) Invocation() *Invocation { return u.inv }

// Cancel cancels the invocation context. The result resolves as cancelled
// unless the handler already finished.
func (u *Unit) Cancel() {
	u.cancelCtx(errCancelled)
}

// Exited is closed after the unit has fully terminated.
func (u *Unit) Exited() <-chan struct{} { return u.exited }

// Await blocks until the result is available or ctx ends. Once the unit has
// finished, the result is claimed from the result cache instead; only the
// first such late caller gets it.
func (u *Unit) Await(ctx context.Context) (Result, error) {
	reply := make(chan Result, 1)
	select {
	case u.awaits <- reply:
	case <-u.finished:
		return claim(u.cache, u.inv.Robot, u.inv.ID)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// cacheKey scopes results to their robot so one robot cannot claim
// another's result.
func cacheKey(robot, id string) string {
	return robot + "/" + id
}

func claim(cache *resultcache.Cache, robot, id string) (Result, error) {
	v, ok := cache.FetchAndDelete(cacheKey(robot, id))
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	r, ok := v.(Result)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	return r, nil
}

func (u *Unit) run(parent context.Context) {
	_, span := u.tracer.Start(parent, "command.execute",
		trace.WithAttributes(
			attribute.String("robot", u.inv.Robot),
			attribute.String("command", u.inv.Command),
			attribute.String("execution_id", u.inv.ID),
		))
	stopParent := context.AfterFunc(parent, u.Cancel)
	defer stopParent()

	ctx := trace.ContextWithSpan(u.ctx, span)
	if u.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, u.def.Timeout, errTimedOut)
		defer cancel()
	}
	u.inv.ctx = ctx
	u.startedAt = time.Now().UTC()

	var safetyC <-chan models.Event
	if u.safety != nil {
		defer u.safety.Close()
		safetyC = u.safety.C()
	}
	stopWatch := u.startForwarding()

	res := u.drive(ctx, safetyC)

	if res.Err != nil {
		span.SetStatus(codes.Error, string(res.Err.Kind))
		span.SetAttributes(attribute.String("failure", res.Err.Reason))
	}
	span.End()

	stopWatch()
	u.finish(res)
}

func (u *Unit) drive(ctx context.Context, safetyC <-chan models.Event) Result {
	_, fail := u.call("init", func() (Action, error) {
		return Continue, u.handler.Init(u.inv)
	})
	if fail = u.interrupted(ctx, fail); fail != nil {
		return u.failure(fail)
	}

	act, fail := u.call("step", func() (Action, error) {
		return u.handler.Step(u.inv)
	})
	fail = u.interrupted(ctx, fail)

	for fail == nil && act == Continue {
		select {
		case <-ctx.Done():
			fail = u.interrupted(ctx, nil)

		case reply := <-u.awaits:
			u.waiters = append(u.waiters, reply)

		case ev, ok := <-safetyC:
			if !ok {
				safetyC = nil
				continue
			}
			state := models.SafetyState(ev.To)
			act, fail = u.call("handle_safety", func() (Action, error) {
				return u.handler.HandleSafety(u.inv, state)
			})

		case ch := <-u.paramC:
			changed := make(map[string]interface{})
			for name, path := range u.refs {
				if path == ch.path {
					u.inv.Options[name] = ch.value
					changed[name] = ch.value
				}
			}
			act, fail = u.call("options_changed", func() (Action, error) {
				return u.handler.OptionsChanged(u.inv, changed)
			})

		case msg := <-u.msgs:
			act, fail = u.call("handle_message", func() (Action, error) {
				return u.handler.HandleMessage(u.inv, msg)
			})
		}
		fail = u.interrupted(ctx, fail)
	}
	if fail != nil {
		return u.failure(fail)
	}
	return u.success()
}

// interrupted replaces the outcome of a callback that returned after the
// invocation context ended. A crash keeps its own kind.
func (u *Unit) interrupted(ctx context.Context, fail *CommandError) *CommandError {
	if ctx.Err() == nil || (fail != nil && fail.Kind == KindCrashed) {
		return fail
	}
	if errors.Is(context.Cause(ctx), errTimedOut) {
		return u.fail(KindTimeout, fmt.Sprintf("exceeded %s", u.def.Timeout))
	}
	return u.fail(KindCancelled, "cancelled")
}

// call runs one handler callback, turning an error into a failed outcome
// and a panic into a crash.
func (u *Unit) call(name string, fn func() (Action, error)) (act Action, fail *CommandError) {
	defer func() {
		if p := recover(); p != nil {
			u.log.Error("command handler crashed", "callback", name, "panic", p)
			act, fail = Done, u.fail(KindCrashed, fmt.Sprintf("%s: %v", name, p))
		}
	}()
	a, err := fn()
	if err != nil {
		return Done, u.fail(KindFailed, err.Error())
	}
	return a, nil
}

func (u *Unit) fail(kind FailureKind, reason string) *CommandError {
	return &CommandError{
		Robot:       u.inv.Robot,
		Command:     u.inv.Command,
		ExecutionID: u.inv.ID,
		Kind:        kind,
		Reason:      reason,
	}
}

func (u *Unit) project() (value interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("result projection panicked: %v", p)
		}
	}()
	return u.handler.Result(u.inv)
}

func (u *Unit) success() Result {
	value, err := u.project()
	if err != nil {
		return u.failure(u.fail(KindProjection, err.Error()))
	}
	res := u.result(models.RunSucceeded)
	res.Value = value
	return res
}

func (u *Unit) failure(fail *CommandError) Result {
	status := models.RunFailed
	if fail.Kind == KindCancelled {
		status = models.RunCancelled
	}
	res := u.result(status)
	res.Err = fail
	if fail.Kind != KindProjection {
		if value, err := u.project(); err == nil {
			res.Value = value
		} else {
			u.log.Warn("result projection failed after failure", "error", err)
		}
	}
	return res
}

func (u *Unit) result(status models.RunStatus) Result {
	return Result{
		ExecutionID: u.inv.ID,
		Robot:       u.inv.Robot,
		Command:     u.inv.Command,
		Status:      status,
		StartedAt:   u.startedAt,
		EndedAt:     time.Now().UTC(),
	}
}

// finish delivers the result: cache first, then waiters, then the
// orchestrator. Cleanup runs last.
func (u *Unit) finish(res Result) {
	u.cache.Store(cacheKey(u.inv.Robot, u.inv.ID), res)
	close(u.finished)

	for _, w := range u.waiters {
		w <- res
	}
	u.waiters = nil

	if u.onDone != nil {
		u.onDone(u, res)
	}

	u.cancelCtx(context.Canceled)
	u.cleanup()
	close(u.exited)
}

func (u *Unit) cleanup() {
	defer func() {
		if p := recover(); p != nil {
			u.log.Error("command cleanup panicked", "panic", p)
		}
	}()
	u.handler.Cleanup(u.inv)
}

// watchParams subscribes to every referenced parameter. Forwarding to the
// unit loop starts with startForwarding.
func (u *Unit) watchParams() {
	if len(u.refs) == 0 || u.params == nil {
		return
	}
	u.watches = make(map[string]<-chan parameter.Change)
	for _, path := range u.refs {
		if _, ok := u.watches[path]; ok {
			continue
		}
		ch, cancel := u.params.Watch(u.inv.Robot, path)
		u.watches[path] = ch
		u.unwatch = append(u.unwatch, cancel)
	}
}

// startForwarding relays parameter changes to the unit loop. The returned
// func stops relaying and releases the watches.
func (u *Unit) startForwarding() func() {
	stop := make(chan struct{})
	for path, ch := range u.watches {
		go func(path string, ch <-chan parameter.Change) {
			for {
				select {
				case c := <-ch:
					select {
					case u.paramC <- paramChange{path: path, value: c.Value}:
					case <-stop:
						return
					}
				case <-stop:
					return
				}
			}
		}(path, ch)
	}
	return func() {
		close(stop)
		for _, cancel := range u.unwatch {
			cancel()
		}
	}
}
