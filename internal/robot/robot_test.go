package robot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/commands"
	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/resultcache"
	"github.com/fentz26/armctl/internal/safety"
)

func testConfig() Config {
	return Config{
		Name: "arm1",
		Actuators: []ActuatorConfig{
			{Path: "/arm1/shoulder"},
			{Path: "/arm1/elbow"},
		},
	}
}

func startRobot(t *testing.T, cfg Config, overrides map[string]command.Override) (*Robot, *safety.Authority, *parameter.Store) {
	t.Helper()
	b := bus.New()
	dir := NewDirectory()
	auth := safety.New(safety.DefaultConfig(), dir, b, nil)
	auth.Start()
	t.Cleanup(auth.Stop)

	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := dir.Add(r); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	params := parameter.NewStore(b)
	err = r.Start(context.Background(), Deps{
		Authority: auth,
		Bus:       b,
		Params:    params,
		Cache:     resultcache.New(resultcache.DefaultConfig(), nil),
		Commands:  command.DefaultConfig(),
		Overrides: overrides,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { dir.Remove(r.Name()) })
	return r, auth, params
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", testConfig(), false},
		{"no actuators", Config{Name: "r"}, false},
		{"missing name", Config{}, true},
		{"empty path", Config{Name: "r", Actuators: []ActuatorConfig{{}}}, true},
		{"duplicate path", Config{Name: "r", Actuators: []ActuatorConfig{{Path: "/a"}, {Path: "/a"}}}, true},
		{"bad fail mode", Config{Name: "r", Actuators: []ActuatorConfig{{Path: "/a", FailMode: "explode"}}}, true},
		{"hang fail mode", Config{Name: "r", Actuators: []ActuatorConfig{{Path: "/a", FailMode: "hang"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	r, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Add(r); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := d.Add(r); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
	if _, ok := d.Lookup("arm1"); !ok {
		t.Error("Expected Lookup to find arm1")
	}
	if _, err := d.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := r.Orchestrator(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}

	d.Remove("arm1")
	select {
	case <-r.Done():
	default:
		t.Error("Expected removed robot to be stopped")
	}
	if len(d.List()) != 0 {
		t.Error("Expected empty directory")
	}
}

func TestStartRegistersHandlersAndDefaults(t *testing.T) {
	r, auth, params := startRobot(t, testConfig(), nil)

	handlers := auth.Handlers("arm1")
	if len(handlers) != 2 {
		t.Fatalf("Expected 2 handlers, got %v", handlers)
	}
	if s, ok := auth.State("arm1"); !ok || s != models.SafetyDisarmed {
		t.Errorf("Expected registered disarmed robot, got %s (ok=%v)", s, ok)
	}
	if v, err := params.Get("arm1", commands.SpeedParam); err != nil || v != DefaultSpeed {
		t.Errorf("Expected default speed, got %v (%v)", v, err)
	}

	orch, err := r.Orchestrator()
	if err != nil {
		t.Fatalf("Orchestrator failed: %v", err)
	}
	if orch.State() != models.StateDisarmed {
		t.Errorf("Expected disarmed, got %s", orch.State())
	}
	if len(orch.Catalog().Names()) != 5 {
		t.Errorf("Expected 5 built-in commands, got %v", orch.Catalog().Names())
	}
}

func TestCommandOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.Commands = map[string]command.Override{
		"move": {Timeout: 2 * time.Second},
	}
	no := false
	r, _, _ := startRobot(t, cfg, map[string]command.Override{
		"move": {Timeout: 9 * time.Second, Preemptable: &no},
	})
	orch, _ := r.Orchestrator()
	move, ok := orch.Catalog().Lookup("move")
	if !ok {
		t.Fatal("Expected move command")
	}
	if move.Timeout != 2*time.Second {
		t.Errorf("Expected per-robot timeout to win, got %s", move.Timeout)
	}
	if move.Preemptable == nil || *move.Preemptable {
		t.Error("Expected global preemptable override to apply")
	}
}

func TestCrashWhileArmedDisarmsActuators(t *testing.T) {
	r, auth, _ := startRobot(t, testConfig(), nil)
	if err := auth.Arm(context.Background(), "arm1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	r.Crash(errors.New("watchdog"))
	if r.Err() == nil || r.Err().Error() != "watchdog" {
		t.Errorf("Expected crash cause, got %v", r.Err())
	}

	deadline := time.After(3 * time.Second)
	for {
		if _, ok := auth.State("arm1"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for robot state to be discarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	for _, a := range r.Actuators() {
		if a.Disarms() != 1 {
			t.Errorf("Expected %s disarmed after crash, got %d", a.Path(), a.Disarms())
		}
	}
}

func TestStopWhileArmedDisarmsActuators(t *testing.T) {
	r, auth, _ := startRobot(t, testConfig(), nil)
	if err := auth.Arm(context.Background(), "arm1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	r.Stop()

	for _, a := range r.Actuators() {
		if a.Disarms() != 1 {
			t.Errorf("Expected %s disarmed before stop, got %d", a.Path(), a.Disarms())
		}
	}
	if state, ok := auth.State("arm1"); ok && state != models.SafetyDisarmed {
		t.Errorf("Expected disarmed or discarded, got %s", state)
	}
}

func TestStopWhileDisarmedSkipsDisarm(t *testing.T) {
	r, _, _ := startRobot(t, testConfig(), nil)
	r.Stop()
	for _, a := range r.Actuators() {
		if a.Disarms() != 0 {
			t.Errorf("Expected no disarm of %s, got %d", a.Path(), a.Disarms())
		}
	}
}
