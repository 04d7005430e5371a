package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/hardware"
	"github.com/fentz26/armctl/internal/hardware/sim"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/resultcache"
	"github.com/fentz26/armctl/internal/safety"
)

const robot = "r1"

type proc struct{ ch chan struct{} }

func (p proc) Done() <-chan struct{} { return p.ch }

type dir struct{ p proc }

func (d dir) Lookup(name string) (hardware.Process, bool) {
	if name != robot {
		return nil, false
	}
	return d.p, true
}

type testEnv struct {
	auth      *safety.Authority
	orch      *command.Orchestrator
	params    *parameter.Store
	actuators []*sim.Actuator
}

func newTestEnv(t *testing.T, modes ...sim.FailMode) *testEnv {
	t.Helper()
	b := bus.New()

	cfg := safety.DefaultConfig()
	cfg.DisarmTimeout = 200 * time.Millisecond
	auth := safety.New(cfg, dir{p: proc{ch: make(chan struct{})}}, b, nil)
	auth.Start()
	t.Cleanup(auth.Stop)
	if err := auth.RegisterRobot(context.Background(), robot); err != nil {
		t.Fatalf("RegisterRobot failed: %v", err)
	}

	if len(modes) == 0 {
		modes = []sim.FailMode{sim.FailNone, sim.FailNone}
	}
	var acts []Actuator
	var sims []*sim.Actuator
	for i, m := range modes {
		a := sim.New(robot, "/"+robot+"/joint"+string(rune('1'+i)), sim.Options{FailMode: m})
		if err := a.Start(auth); err != nil {
			t.Fatalf("Start actuator failed: %v", err)
		}
		t.Cleanup(a.Stop)
		acts = append(acts, a)
		sims = append(sims, a)
	}

	params := parameter.NewStore(b)
	params.Set(robot, SpeedParam, 100.0)

	catalog, err := command.NewCatalog(Builtin(auth, acts)...)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	orch := command.NewOrchestrator(robot, command.DefaultConfig(), catalog, command.Deps{
		Bus:    b,
		Params: params,
		Cache:  resultcache.New(resultcache.DefaultConfig(), nil),
		Safety: auth,
	})
	orch.Start()
	t.Cleanup(orch.Stop)

	return &testEnv{auth: auth, orch: orch, params: params, actuators: sims}
}

func (e *testEnv) run(t *testing.T, name string, goal map[string]interface{}) command.Result {
	t.Helper()
	h, err := e.orch.Execute(context.Background(), name, goal)
	if err != nil {
		t.Fatalf("Execute %s failed: %v", name, err)
	}
	return e.await(t, h)
}

func (e *testEnv) await(t *testing.T, h command.Handle) command.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := e.orch.Await(ctx, h.ExecutionID)
	if err != nil {
		t.Fatalf("Await %s failed: %v", h.Command, err)
	}
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		case <-ticker.C:
		}
	}
}

func (e *testEnv) waitState(t *testing.T, want models.OperationalState) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return e.orch.State() == want })
}

func TestArmedRobotRejectsIdleOnlyCommand(t *testing.T) {
	env := newTestEnv(t, sim.FailNone)
	ctx := context.Background()

	if err := env.auth.Arm(ctx, robot); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	env.waitState(t, models.StateArmed)

	_, err := env.orch.Execute(ctx, "move", map[string]interface{}{"position": 1.0})
	var serr *command.StateError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *StateError, got %v", err)
	}
	if serr.Current != models.StateArmed {
		t.Errorf("Expected current_state armed, got %s", serr.Current)
	}

	if err := env.auth.Disarm(ctx, robot); err != nil {
		t.Fatalf("Disarm failed: %v", err)
	}
	if s, _ := env.auth.State(robot); s != models.SafetyDisarmed {
		t.Errorf("Expected disarmed, got %s", s)
	}
	env.waitState(t, models.StateDisarmed)
}

func TestArmMoveDisarm(t *testing.T) {
	env := newTestEnv(t)

	if r := env.run(t, "arm", nil); r.Status != models.RunSucceeded {
		t.Fatalf("Expected arm to succeed, got %+v", r)
	}
	env.waitState(t, models.StateIdle)

	r := env.run(t, "move", map[string]interface{}{
		"positions": map[string]interface{}{"/r1/joint1": 0.5, "/r1/joint2": -0.25},
	})
	if r.Status != models.RunSucceeded {
		t.Fatalf("Expected move to succeed, got %+v", r.Err)
	}
	if got := env.actuators[0].Position(); got != 0.5 {
		t.Errorf("Expected joint1 at 0.5, got %v", got)
	}
	if got := env.actuators[1].Position(); got != -0.25 {
		t.Errorf("Expected joint2 at -0.25, got %v", got)
	}
	env.waitState(t, models.StateIdle)

	if r := env.run(t, "home", nil); r.Status != models.RunSucceeded {
		t.Fatalf("Expected home to succeed, got %+v", r.Err)
	}
	if env.actuators[0].Position() != 0 {
		t.Errorf("Expected joint1 homed, got %v", env.actuators[0].Position())
	}
	env.waitState(t, models.StateIdle)

	if r := env.run(t, "disarm", nil); r.Status != models.RunSucceeded {
		t.Fatalf("Expected disarm to succeed, got %+v", r.Err)
	}
	env.waitState(t, models.StateDisarmed)
	for _, a := range env.actuators {
		if a.Disarms() != 1 {
			t.Errorf("Expected %s disarmed once, got %d", a.Path(), a.Disarms())
		}
	}
}

func TestDisarmPreemptsMove(t *testing.T) {
	env := newTestEnv(t)
	env.params.Set(robot, SpeedParam, 1.0)
	env.run(t, "arm", nil)
	env.waitState(t, models.StateIdle)

	move, err := env.orch.Execute(context.Background(), "move", map[string]interface{}{"position": 100.0})
	if err != nil {
		t.Fatalf("Execute move failed: %v", err)
	}
	moveResult := make(chan command.Result, 1)
	go func() {
		r, _ := env.orch.Await(context.Background(), move.ExecutionID)
		moveResult <- r
	}()
	time.Sleep(30 * time.Millisecond)

	disarm, err := env.orch.Execute(context.Background(), "disarm", nil)
	if err != nil {
		t.Fatalf("Execute disarm failed: %v", err)
	}
	if r := <-moveResult; r.Status != models.RunCancelled {
		t.Errorf("Expected move cancelled, got %+v", r)
	}
	if r := env.await(t, disarm); r.Status != models.RunSucceeded {
		t.Errorf("Expected disarm to succeed, got %+v", r.Err)
	}
	env.waitState(t, models.StateDisarmed)
	if env.actuators[0].Moving() {
		t.Error("Expected actuator to be stopped")
	}
}

func TestHardwareErrorAbortsMove(t *testing.T) {
	env := newTestEnv(t)
	env.params.Set(robot, SpeedParam, 1.0)
	env.run(t, "arm", nil)
	env.waitState(t, models.StateIdle)

	h, err := env.orch.Execute(context.Background(), "move", map[string]interface{}{"position": 100.0})
	if err != nil {
		t.Fatalf("Execute move failed: %v", err)
	}
	env.auth.ReportError(robot, "/r1/joint1", errors.New("overcurrent"))

	r := env.await(t, h)
	if r.Status != models.RunFailed {
		t.Errorf("Expected move to fail, got %+v", r)
	}
	waitFor(t, "auto disarm", func() bool {
		s, _ := env.auth.State(robot)
		return s == models.SafetyDisarmed
	})
	env.waitState(t, models.StateDisarmed)
}

func TestDisarmFailureAndForceDisarm(t *testing.T) {
	env := newTestEnv(t, sim.FailNone, sim.FailError)
	env.run(t, "arm", nil)
	env.waitState(t, models.StateIdle)

	r := env.run(t, "disarm", nil)
	if r.Status != models.RunFailed {
		t.Fatalf("Expected disarm to fail, got %+v", r)
	}
	value, _ := r.Value.(map[string]interface{})
	failures, _ := value["failures"].([]safety.HandlerFailure)
	if len(failures) != 1 || failures[0].Path != "/r1/joint2" {
		t.Errorf("Expected one failure for /r1/joint2, got %+v", value)
	}
	if !env.auth.InError(robot) {
		t.Fatal("Expected safety error")
	}
	env.waitState(t, models.StateDisarmed)

	if r := env.run(t, "arm", nil); r.Status != models.RunFailed {
		t.Errorf("Expected arm to fail while in error, got %+v", r)
	}
	env.waitState(t, models.StateDisarmed)

	if r := env.run(t, "force_disarm", nil); r.Status != models.RunSucceeded {
		t.Fatalf("Expected force_disarm to succeed, got %+v", r.Err)
	}
	env.waitState(t, models.StateDisarmed)

	if r := env.run(t, "arm", nil); r.Status != models.RunSucceeded {
		t.Errorf("Expected arm after force_disarm to succeed, got %+v", r.Err)
	}
	env.waitState(t, models.StateIdle)
}

func TestSpeedChangeAppliesToRunningMove(t *testing.T) {
	env := newTestEnv(t, sim.FailNone)
	env.params.Set(robot, SpeedParam, 0.5)
	env.run(t, "arm", nil)
	env.waitState(t, models.StateIdle)

	start := time.Now()
	h, err := env.orch.Execute(context.Background(), "move", map[string]interface{}{"position": 10.0})
	if err != nil {
		t.Fatalf("Execute move failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	env.params.Set(robot, SpeedParam, 1000.0)

	r := env.await(t, h)
	if r.Status != models.RunSucceeded {
		t.Fatalf("Expected move to succeed, got %+v", r.Err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Speed change not applied, move took %s", elapsed)
	}
	if env.actuators[0].Position() != 10.0 {
		t.Errorf("Expected position 10, got %v", env.actuators[0].Position())
	}
}

func TestMoveValidation(t *testing.T) {
	env := newTestEnv(t, sim.FailNone)
	env.run(t, "arm", nil)
	env.waitState(t, models.StateIdle)

	tests := []struct {
		name string
		goal map[string]interface{}
	}{
		{"no target", map[string]interface{}{}},
		{"unknown joint", map[string]interface{}{"positions": map[string]interface{}{"/r1/elbow": 1.0}}},
		{"bad position", map[string]interface{}{"positions": map[string]interface{}{"/r1/joint1": "far"}}},
		{"bad speed", map[string]interface{}{"position": 1.0, "options": map[string]interface{}{"speed": -1.0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := env.run(t, "move", tt.goal)
			if r.Status != models.RunFailed || r.Err.Kind != command.KindFailed {
				t.Errorf("Expected failed move, got %+v", r)
			}
			env.waitState(t, models.StateIdle)
		})
	}
}

func TestMoveRequiresIdle(t *testing.T) {
	env := newTestEnv(t, sim.FailNone)

	_, err := env.orch.Execute(context.Background(), "move", map[string]interface{}{"position": 1.0})
	var serr *command.StateError
	if !errors.As(err, &serr) || serr.Current != models.StateDisarmed {
		t.Errorf("Expected state error with current_state disarmed, got %v", err)
	}
}
