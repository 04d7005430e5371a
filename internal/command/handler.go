// Package command runs robot commands: the handler capability, the
// per-invocation execution unit and the per-robot orchestrator.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/armctl/internal/models"
)

// Action tells the unit what to do after a handler callback returns.
type Action int

const (
	// Continue suspends the handler until the next event.
	Continue Action = iota
	// Done ends the invocation successfully.
	Done
)

func (a Action) String() string {
	if a == Done {
		return "done"
	}
	return "continue"
}

// Handler is the capability a command implements. The unit is its only
// caller and invokes every method from the unit goroutine.
type Handler interface {
	// Init prepares handler state. An error fails the invocation.
	Init(inv *Invocation) error
	// Step runs the main work once, right after Init.
	Step(inv *Invocation) (Action, error)
	// OptionsChanged is called when a referenced parameter changes.
	OptionsChanged(inv *Invocation, opts map[string]interface{}) (Action, error)
	// HandleSafety is called on every safety transition of the robot.
	HandleSafety(inv *Invocation, state models.SafetyState) (Action, error)
	// HandleMessage receives values posted with Invocation.Send.
	HandleMessage(inv *Invocation, msg interface{}) (Action, error)
	// Result projects the handler state into the invocation result.
	Result(inv *Invocation) (interface{}, error)
	// Cleanup releases resources. It runs after waiters were answered.
	Cleanup(inv *Invocation)
}

// Base provides no-op Handler methods for embedding.
type Base struct{}

func (Base) Init(*Invocation) error { return nil }

func (Base) OptionsChanged(*Invocation, map[string]interface{}) (Action, error) {
	return Continue, nil
}

func (Base) HandleSafety(*Invocation, models.SafetyState) (Action, error) {
	return Continue, nil
}

func (Base) HandleMessage(*Invocation, interface{}) (Action, error) {
	return Continue, nil
}

func (Base) Result(*Invocation) (interface{}, error) { return nil, nil }

func (Base) Cleanup(*Invocation) {}

// Definition declares a command: where it may run, where it leads and how
// its handler is built.
type Definition struct {
	Name string
	// AllowedStates lists the operational states the command may start in.
	// Including StateExecuting lets it preempt a running command.
	AllowedStates []models.OperationalState
	// NextState is entered on success. Empty means idle.
	NextState models.OperationalState
	// Preemptable overrides the orchestrator default when set.
	Preemptable *bool
	// Timeout bounds the whole invocation. Zero disables it.
	Timeout time.Duration
	// Options are default handler options; values may be parameter.Ref.
	Options map[string]interface{}
	// RequiresArmed rejects the command unless the robot is safety armed.
	RequiresArmed bool
	// New builds a fresh handler per invocation.
	New func() Handler
}

// Allows reports whether the command may start in state s.
func (d *Definition) Allows(s models.OperationalState) bool {
	for _, a := range d.AllowedStates {
		if a == s {
			return true
		}
	}
	return false
}

// Validate checks the definition is usable.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}
	if d.New == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidDefinition, d.Name)
	}
	if len(d.AllowedStates) == 0 {
		return fmt.Errorf("%w: %s allows no state", ErrInvalidDefinition, d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: %s has negative timeout", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// Override adjusts a definition from configuration.
type Override struct {
	AllowedStates []string      `yaml:"allowed_states"`
	NextState     string        `yaml:"next_state"`
	Preemptable   *bool         `yaml:"preemptable"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Apply returns a copy of d with the override applied.
func (d *Definition) Apply(o Override) *Definition {
	out := *d
	if len(o.AllowedStates) > 0 {
		out.AllowedStates = make([]models.OperationalState, len(o.AllowedStates))
		for i, s := range o.AllowedStates {
			out.AllowedStates[i] = models.OperationalState(s)
		}
	}
	if o.NextState != "" {
		out.NextState = models.OperationalState(o.NextState)
	}
	if o.Preemptable != nil {
		p := *o.Preemptable
		out.Preemptable = &p
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	return &out
}

// Catalog is the set of commands known to a robot.
type Catalog struct {
	defs map[string]*Definition
}

// NewCatalog validates and indexes definitions by name.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.defs[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate command %s", ErrInvalidDefinition, d.Name)
		}
		c.defs[d.Name] = d
	}
	return c, nil
}

// Lookup returns the definition for name.
func (c *Catalog) Lookup(name string) (*Definition, bool) {
	d, ok := c.defs[name]
	return d, ok
}

// Names lists command names in no particular order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.defs))
	for name := range c.defs {
		out = append(out, name)
	}
	return out
}

// Invocation is one run of a command, handed to every handler callback.
type Invocation struct {
	ID      string
	Robot   string
	Command string
	Goal    map[string]interface{}
	// Options holds resolved option values. The unit updates it before
	// calling OptionsChanged.
	Options map[string]interface{}
	// State is free for the handler's own use.
	State interface{}

	ctx  context.Context
	log  *slog.Logger
	msgs chan interface{}
	// finished is closed once the unit stops accepting messages.
	finished <-chan struct{}

	mu        sync.Mutex
	nextState models.OperationalState
}

// Context is cancelled when the invocation is cancelled, preempted or
// times out.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Logger returns a logger tagged with the invocation.
func (inv *Invocation) Logger() *slog.Logger { return inv.log }

// Send posts msg to the handler's HandleMessage. It may be called from any
// goroutine and reports false once the invocation has finished.
func (inv *Invocation) Send(msg interface{}) bool {
	select {
	case <-inv.finished:
		return false
	default:
	}
	select {
	case inv.msgs <- msg:
		return true
	case <-inv.finished:
		return false
	}
}

// SetNextState requests the operational state entered when the invocation
// ends, overriding the definition's NextState.
func (inv *Invocation) SetNextState(s models.OperationalState) {
	inv.mu.Lock()
	inv.nextState = s
	inv.mu.Unlock()
}

// NextState returns the requested next state, if any.
func (inv *Invocation) NextState() models.OperationalState {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.nextState
}

// GoalFloat reads a numeric goal field.
func (inv *Invocation) GoalFloat(key string) (float64, bool) {
	return toFloat(inv.Goal[key])
}

// OptionFloat reads a numeric option.
func (inv *Invocation) OptionFloat(key string) (float64, bool) {
	return toFloat(inv.Options[key])
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
	case uint64:
		return float64(n), true
	}
	return 0, false
}
