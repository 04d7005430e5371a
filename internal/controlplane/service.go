// Package controlplane provides the HTTP API and service layer for armctl.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/armctl/internal/audit"
	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/hardware/sim"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/robot"
	"github.com/fentz26/armctl/internal/safety"
	"github.com/fentz26/armctl/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	robots    *robot.Directory
	authority *safety.Authority
	params    *parameter.Store
	store     *store.Store
	pdr       *audit.PDRWriter
	log       *slog.Logger
}

// NewService creates a new control plane service. The store and PDR writer
// may be nil, in which case journal queries fail with ErrNoStore.
func NewService(dir *robot.Directory, auth *safety.Authority, params *parameter.Store, s *store.Store, pdr *audit.PDRWriter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		robots:    dir,
		authority: auth,
		params:    params,
		store:     s,
		pdr:       pdr,
		log:       logger.With("component", "controlplane"),
	}
}

func (s *Service) orchestrator(name string) (*command.Orchestrator, error) {
	r, err := s.robots.Get(name)
	if err != nil {
		return nil, err
	}
	return r.Orchestrator()
}

// --- Robot Operations ---

// Robots returns the status of every robot, sorted by name.
func (s *Service) Robots() []models.RobotStatus {
	robots := s.robots.List()
	out := make([]models.RobotStatus, 0, len(robots))
	for _, r := range robots {
		out = append(out, s.status(r))
	}
	return out
}

// State returns the status of one robot.
func (s *Service) State(name string) (models.RobotStatus, error) {
	r, err := s.robots.Get(name)
	if err != nil {
		return models.RobotStatus{}, err
	}
	return s.status(r), nil
}

func (s *Service) status(r *robot.Robot) models.RobotStatus {
	st := models.RobotStatus{
		Name:     r.Name(),
		Handlers: s.authority.Handlers(r.Name()),
	}
	st.Safety, _ = s.authority.State(r.Name())
	if orch, err := r.Orchestrator(); err == nil {
		st.Operational = orch.State()
		if h, ok := orch.Current(); ok {
			st.Executing = h.Command
			st.ExecutionID = h.ExecutionID
		}
	}
	return st
}

// Commands returns the command names a robot accepts.
func (s *Service) Commands(name string) ([]string, error) {
	orch, err := s.orchestrator(name)
	if err != nil {
		return nil, err
	}
	return orch.Catalog().Names(), nil
}

// --- Safety Operations ---

// Arm arms a robot directly through the safety authority.
func (s *Service) Arm(ctx context.Context, name string) error {
	if _, err := s.robots.Get(name); err != nil {
		return err
	}
	return s.authority.Arm(ctx, name)
}

// Disarm runs the disarm protocol on a robot.
func (s *Service) Disarm(ctx context.Context, name string) error {
	if _, err := s.robots.Get(name); err != nil {
		return err
	}
	return s.authority.Disarm(ctx, name)
}

// ForceDisarm clears a robot's safety error.
func (s *Service) ForceDisarm(ctx context.Context, name string) error {
	if _, err := s.robots.Get(name); err != nil {
		return err
	}
	s.log.Error("force disarm requested", "robot", name)
	return s.authority.ForceDisarm(ctx, name)
}

// ReportError reports a hardware fault on behalf of an operator or an
// external monitor.
func (s *Service) ReportError(name, path, reason string) error {
	if _, err := s.robots.Get(name); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: path is required", ErrBadRequest)
	}
	if reason == "" {
		reason = "reported fault"
	}
	s.authority.ReportError(name, path, errors.New(reason))
	return nil
}

// SetFailMode changes how a simulated actuator responds to disarm.
func (s *Service) SetFailMode(name, path, mode string) error {
	r, err := s.robots.Get(name)
	if err != nil {
		return err
	}
	a, ok := r.Actuator(path)
	if !ok {
		return fmt.Errorf("%w: actuator %s", ErrNotFound, path)
	}
	if mode == "none" {
		mode = ""
	}
	switch m := sim.FailMode(mode); m {
	case sim.FailNone, sim.FailError, sim.FailRaise, sim.FailThrow, sim.FailHang:
		a.SetFailMode(m)
	default:
		return fmt.Errorf("%w: unknown fail mode %q", ErrBadRequest, mode)
	}
	s.record("actuator.fail_mode", map[string]string{"path": path, "mode": mode}, "success", name)
	return nil
}

// --- Command Operations ---

// Execute requests a command on a robot and returns its handle.
func (s *Service) Execute(ctx context.Context, name, cmd string, goal map[string]interface{}) (command.Handle, error) {
	orch, err := s.orchestrator(name)
	if err != nil {
		return command.Handle{}, err
	}
	h, err := orch.Execute(ctx, cmd, goal)
	if err != nil {
		s.record("command.execute", map[string]interface{}{"command": cmd, "goal": goal}, "rejected", name)
		return command.Handle{}, err
	}
	return h, nil
}

// Await waits for the result of an invocation, bounded by timeout when it
// is positive.
func (s *Service) Await(ctx context.Context, name, executionID string, timeout time.Duration) (command.Result, error) {
	orch, err := s.orchestrator(name)
	if err != nil {
		return command.Result{}, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return orch.Await(ctx, executionID)
}

// Cancel stops the robot's running command.
func (s *Service) Cancel(ctx context.Context, name string) error {
	orch, err := s.orchestrator(name)
	if err != nil {
		return err
	}
	return orch.Cancel(ctx)
}

// --- Parameter Operations ---

// SetParameter updates a live parameter. Running commands that reference it
// are notified.
func (s *Service) SetParameter(name, path string, value interface{}) error {
	if _, err := s.robots.Get(name); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: path is required", ErrBadRequest)
	}
	s.params.Set(name, path, value)
	s.record("parameter.set", map[string]interface{}{"path": path, "value": value}, "success", name)
	return nil
}

// Parameters returns a robot's parameters.
func (s *Service) Parameters(name string) (map[string]interface{}, error) {
	if _, err := s.robots.Get(name); err != nil {
		return nil, err
	}
	return s.params.List(name), nil
}

// --- Journal Operations ---

// Events returns journaled events of a robot, newest first.
func (s *Service) Events(name string, limit int) ([]models.Event, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListEvents(name, limit)
}

// Runs returns journaled command runs of a robot, newest first.
func (s *Service) Runs(name string, limit int) ([]models.CommandRun, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListRuns(name, limit)
}

// Decisions returns the safety decision records of a robot.
func (s *Service) Decisions(name string, limit int) ([]models.PDREntry, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListPDR(name, limit)
}

func (s *Service) record(action string, inputs interface{}, outcome, robot string) {
	if s.pdr == nil {
		return
	}
	if _, err := s.pdr.Record(action, inputs, outcome, robot, ""); err != nil {
		s.log.Warn("failed to write decision record", "action", action, "error", err)
	}
}
