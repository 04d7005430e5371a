// Package robot manages the runtime of each configured robot: its lifetime,
// its actuators and its command orchestrator.
package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/commands"
	"github.com/fentz26/armctl/internal/hardware"
	"github.com/fentz26/armctl/internal/hardware/sim"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/resultcache"
	"github.com/fentz26/armctl/internal/safety"
)

// Sentinel errors for robot operations.
var (
	ErrInvalidConfig = errors.New("invalid robot configuration")
	ErrDuplicate     = errors.New("robot already exists")
	ErrNotFound      = errors.New("robot not found")
	ErrNotStarted    = errors.New("robot not started")
	ErrCrashed       = errors.New("robot crashed")
)

// DefaultSpeed is the initial motion speed when none is configured.
const DefaultSpeed = 1.0

// stopDisarmTimeout bounds the disarm Stop runs on an armed robot.
const stopDisarmTimeout = 30 * time.Second

// ActuatorConfig describes one simulated actuator.
type ActuatorConfig struct {
	Path          string                 `yaml:"path"`
	FailMode      string                 `yaml:"fail_mode"`
	DisarmDelay   time.Duration          `yaml:"disarm_delay"`
	DisarmOptions map[string]interface{} `yaml:"disarm_options"`
}

// Config describes one robot.
type Config struct {
	Name       string                      `yaml:"name"`
	Actuators  []ActuatorConfig            `yaml:"actuators"`
	Parameters map[string]interface{}      `yaml:"parameters"`
	Commands   map[string]command.Override `yaml:"commands"`
}

// Validate checks the robot configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, a := range c.Actuators {
		if a.Path == "" {
			return fmt.Errorf("%w: %s: actuator without path", ErrInvalidConfig, c.Name)
		}
		if seen[a.Path] {
			return fmt.Errorf("%w: %s: duplicate actuator %s", ErrInvalidConfig, c.Name, a.Path)
		}
		seen[a.Path] = true
		switch sim.FailMode(a.FailMode) {
		case sim.FailNone, sim.FailError, sim.FailRaise, sim.FailThrow, sim.FailHang:
		default:
			return fmt.Errorf("%w: %s: unknown fail mode %q", ErrInvalidConfig, a.Path, a.FailMode)
		}
	}
	return nil
}

// Deps are the shared services a robot is started with.
type Deps struct {
	Authority *safety.Authority
	Bus       *bus.Bus
	Params    *parameter.Store
	Cache     *resultcache.Cache
	Logger    *slog.Logger
	// Commands configures every orchestrator.
	Commands command.Config
	// Overrides apply to every robot; per-robot overrides win.
	Overrides map[string]command.Override
}

// Robot is one running robot. Its lifetime is what the safety authority
// monitors.
type Robot struct {
	name string
	cfg  Config
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	actuators []*sim.Actuator

	mu   sync.Mutex
	orch *command.Orchestrator
	auth *safety.Authority
}

var _ hardware.Process = (*Robot)(nil)

// New creates a robot from its configuration. Call Start to run it.
func New(cfg Config, logger *slog.Logger) (*Robot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	r := &Robot{
		name:   cfg.Name,
		cfg:    cfg,
		log:    logger.With("component", "robot", "robot", cfg.Name),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, a := range cfg.Actuators {
		r.actuators = append(r.actuators, sim.New(cfg.Name, a.Path, sim.Options{
			FailMode:     sim.FailMode(a.FailMode),
			DisarmDelay:  a.DisarmDelay,
			DisarmParams: a.DisarmOptions,
		}))
	}
	return r, nil
}

// Name returns the robot name.
func (r *Robot) Name() string { return r.name }

// Done is closed when the robot stops or crashes.
func (r *Robot) Done() <-chan struct{} { return r.ctx.Done() }

// Err returns why the robot ended, or nil while it runs.
func (r *Robot) Err() error { return context.Cause(r.ctx) }

// Actuators returns the robot's actuators.
func (r *Robot) Actuators() []*sim.Actuator { return r.actuators }

// Actuator returns the actuator at path.
func (r *Robot) Actuator(path string) (*sim.Actuator, bool) {
	for _, a := range r.actuators {
		if a.Path() == path {
			return a, true
		}
	}
	return nil, false
}

// Orchestrator returns the robot's command orchestrator once started.
func (r *Robot) Orchestrator() (*command.Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.orch == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotStarted, r.name)
	}
	return r.orch, nil
}

// Start registers the robot with the safety authority, starts its actuators
// (each registers its own disarm handler) and its orchestrator. The robot
// must already be in the directory the authority looks robots up in.
func (r *Robot) Start(ctx context.Context, deps Deps) error {
	if deps.Authority == nil {
		return fmt.Errorf("start %s: no safety authority", r.name)
	}
	if err := deps.Authority.RegisterRobot(ctx, r.name); err != nil {
		return fmt.Errorf("start %s: %w", r.name, err)
	}

	acts := make([]commands.Actuator, 0, len(r.actuators))
	for _, a := range r.actuators {
		if err := a.Start(deps.Authority); err != nil {
			return fmt.Errorf("start %s: %w", r.name, err)
		}
		acts = append(acts, a)
	}

	if deps.Params != nil {
		if _, err := deps.Params.Get(r.name, commands.SpeedParam); err != nil {
			deps.Params.Set(r.name, commands.SpeedParam, DefaultSpeed)
		}
		for path, v := range r.cfg.Parameters {
			deps.Params.Set(r.name, path, v)
		}
	}

	defs := commands.Builtin(deps.Authority, acts)
	for i, d := range defs {
		if o, ok := deps.Overrides[d.Name]; ok {
			d = d.Apply(o)
		}
		if o, ok := r.cfg.Commands[d.Name]; ok {
			d = d.Apply(o)
		}
		defs[i] = d
	}
	catalog, err := command.NewCatalog(defs...)
	if err != nil {
		return fmt.Errorf("start %s: %w", r.name, err)
	}

	orch := command.NewOrchestrator(r.name, deps.Commands, catalog, command.Deps{
		Bus:    deps.Bus,
		Params: deps.Params,
		Cache:  deps.Cache,
		Safety: deps.Authority,
		Logger: deps.Logger,
	})
	orch.Start()

	r.mu.Lock()
	r.orch = orch
	r.auth = deps.Authority
	r.mu.Unlock()

	names := catalog.Names()
	sort.Strings(names)
	r.log.Info("robot started", "actuators", len(r.actuators), "commands", names)
	return nil
}

// Crash ends the robot's lifetime with err. Actuators keep running so the
// safety authority can still disarm them; Stop releases them.
func (r *Robot) Crash(err error) {
	if err == nil {
		err = ErrCrashed
	}
	r.log.Error("robot crashed", "error", err)
	r.cancel(err)
	r.stopOrchestrator()
}

// Stop shuts the robot down. An armed robot is disarmed first, while its
// actuators are still registered.
func (r *Robot) Stop() {
	r.disarmForStop()
	r.cancel(context.Canceled)
	r.stopOrchestrator()
	for _, a := range r.actuators {
		a.Stop()
	}
}

func (r *Robot) disarmForStop() {
	r.mu.Lock()
	auth := r.auth
	r.mu.Unlock()
	if auth == nil || r.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopDisarmTimeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, ok := auth.State(r.name)
		switch {
		case !ok:
			return
		case state == models.SafetyArmed:
			if err := auth.Disarm(ctx, r.name); err != nil {
				r.log.Error("disarm on stop failed", "error", err)
			} else {
				r.log.Info("disarmed on stop")
			}
			return
		case state != models.SafetyDisarming:
			return
		}
		select {
		case <-ctx.Done():
			r.log.Error("timed out waiting for disarm before stop")
			return
		case <-ticker.C:
		}
	}
}

func (r *Robot) stopOrchestrator() {
	r.mu.Lock()
	orch := r.orch
	r.mu.Unlock()
	if orch != nil {
		orch.Stop()
	}
}

// Directory is the concurrent registry of running robots.
type Directory struct {
	mu     sync.RWMutex
	robots map[string]*Robot
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{robots: make(map[string]*Robot)}
}

// Add inserts a robot.
func (d *Directory) Add(r *Robot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.robots[r.name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, r.name)
	}
	d.robots[r.name] = r
	return nil
}

// Get returns a robot by name.
func (d *Directory) Get(name string) (*Robot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.robots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r, nil
}

// Lookup resolves a robot to its lifetime for the safety authority.
func (d *Directory) Lookup(name string) (hardware.Process, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.robots[name]
	if !ok {
		return nil, false
	}
	return r, true
}

// Remove stops and forgets a robot.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	r, ok := d.robots[name]
	delete(d.robots, name)
	d.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// List returns robots sorted by name.
func (d *Directory) List() []*Robot {
	d.mu.RLock()
	out := make([]*Robot, 0, len(d.robots))
	for _, r := range d.robots {
		out = append(out, r)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// StopAll stops every robot.
func (d *Directory) StopAll() {
	for _, r := range d.List() {
		d.Remove(r.name)
	}
}
