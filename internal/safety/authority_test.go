package safety

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/hardware"
	"github.com/fentz26/armctl/internal/models"
)

// fakeProc is a controllable process lifetime.
type fakeProc struct {
	ch   chan struct{}
	once sync.Once
}

func newFakeProc() *fakeProc { return &fakeProc{ch: make(chan struct{})} }

func (p *fakeProc) Done() <-chan struct{} { return p.ch }
func (p *fakeProc) kill()                 { p.once.Do(func() { close(p.ch) }) }

type fakeDir struct {
	mu    sync.Mutex
	procs map[string]*fakeProc
}

func (d *fakeDir) Lookup(name string) (hardware.Process, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.procs[name]
	if !ok {
		return nil, false
	}
	return p, true
}

// fakeDisarmer runs fn on each Disarm call.
type fakeDisarmer struct {
	fn    func(ctx context.Context) error
	calls atomic.Int32
}

func (f *fakeDisarmer) Disarm(ctx context.Context, opts map[string]interface{}) error {
	f.calls.Add(1)
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx)
}

type testEnv struct {
	auth  *Authority
	bus   *bus.Bus
	robot *fakeProc
}

func newTestAuthority(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	robot := newFakeProc()
	dir := &fakeDir{procs: map[string]*fakeProc{"r1": robot}}
	b := bus.New()
	a := New(cfg, dir, b, nil)
	a.Start()
	t.Cleanup(a.Stop)

	if err := a.RegisterRobot(context.Background(), "r1"); err != nil {
		t.Fatalf("RegisterRobot failed: %v", err)
	}
	return &testEnv{auth: a, bus: b, robot: robot}
}

func (e *testEnv) addHandler(t *testing.T, path string, fn func(ctx context.Context) error) (*fakeDisarmer, *fakeProc) {
	t.Helper()
	d := &fakeDisarmer{fn: fn}
	p := newFakeProc()
	if err := e.auth.RegisterHandler("r1", path, path, nil, d, p); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	// Registration order decides call order.
	time.Sleep(time.Millisecond)
	return d, p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
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

func TestRegisterRobotNotFound(t *testing.T) {
	a := New(DefaultConfig(), &fakeDir{procs: map[string]*fakeProc{}}, nil, nil)
	a.Start()
	defer a.Stop()

	err := a.RegisterRobot(context.Background(), "ghost")
	if !errors.Is(err, ErrRobotNotFound) {
		t.Errorf("Expected ErrRobotNotFound, got %v", err)
	}
	if err := a.Arm(context.Background(), "ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
}

func TestArmDisarmRoundTrip(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	ctx := context.Background()
	d, _ := env.addHandler(t, "/r1/a", nil)

	if s, _ := env.auth.State("r1"); s != models.SafetyDisarmed {
		t.Fatalf("Expected initial state disarmed, got %s", s)
	}
	if err := env.auth.Disarm(ctx, "r1"); !errors.Is(err, ErrNotArmed) {
		t.Errorf("Expected ErrNotArmed before arm, got %v", err)
	}

	if err := env.auth.Arm(ctx, "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if !env.auth.IsArmed("r1") {
		t.Error("Expected robot to be armed")
	}
	if err := env.auth.Arm(ctx, "r1"); !errors.Is(err, ErrAlreadyArmed) {
		t.Errorf("Expected ErrAlreadyArmed, got %v", err)
	}

	if err := env.auth.Disarm(ctx, "r1"); err != nil {
		t.Fatalf("Disarm failed: %v", err)
	}
	if s, _ := env.auth.State("r1"); s != models.SafetyDisarmed {
		t.Errorf("Expected disarmed, got %s", s)
	}
	if d.calls.Load() != 1 {
		t.Errorf("Expected 1 disarm call, got %d", d.calls.Load())
	}
}

func TestDisarmCollectsAllFailures(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	ctx := context.Background()

	env.addHandler(t, "/r1/ok", nil)
	env.addHandler(t, "/r1/error", func(ctx context.Context) error { return errors.New("brake stuck") })
	env.addHandler(t, "/r1/raise", func(ctx context.Context) error { panic(errors.New("driver fault")) })
	env.addHandler(t, "/r1/throw", func(ctx context.Context) error { panic("bus glitch") })

	if err := env.auth.Arm(ctx, "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	err := env.auth.Disarm(ctx, "r1")
	var derr *DisarmError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected *DisarmError, got %v", err)
	}
	if !errors.Is(err, ErrDisarmFailed) {
		t.Error("Expected error to match ErrDisarmFailed")
	}
	if len(derr.Failures) != 3 {
		t.Fatalf("Expected 3 failures, got %d: %v", len(derr.Failures), derr.Failures)
	}

	want := map[string]FailureKind{
		"/r1/error": FailureError,
		"/r1/raise": FailureRaised,
		"/r1/throw": FailureThrown,
	}
	for _, f := range derr.Failures {
		if want[f.Path] != f.Kind {
			t.Errorf("Handler %s: expected kind %s, got %s", f.Path, want[f.Path], f.Kind)
		}
	}
	if !env.auth.InError("r1") {
		t.Error("Expected robot to be in error")
	}

	// Error blocks arming until force disarm.
	if err := env.auth.Arm(ctx, "r1"); !errors.Is(err, ErrInError) {
		t.Errorf("Expected ErrInError, got %v", err)
	}
}

func TestForceDisarmOnlyFromError(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	ctx := context.Background()

	if err := env.auth.ForceDisarm(ctx, "r1"); !errors.Is(err, ErrNotInError) {
		t.Errorf("Expected ErrNotInError from disarmed, got %v", err)
	}

	env.addHandler(t, "/r1/bad", func(ctx context.Context) error { return errors.New("fault") })
	if err := env.auth.Arm(ctx, "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := env.auth.ForceDisarm(ctx, "r1"); !errors.Is(err, ErrNotInError) {
		t.Errorf("Expected ErrNotInError from armed, got %v", err)
	}
	if err := env.auth.Disarm(ctx, "r1"); err == nil {
		t.Fatal("Expected disarm to fail")
	}

	if err := env.auth.ForceDisarm(ctx, "r1"); err != nil {
		t.Fatalf("ForceDisarm failed: %v", err)
	}
	if s, _ := env.auth.State("r1"); s != models.SafetyDisarmed {
		t.Errorf("Expected disarmed, got %s", s)
	}
	if err := env.auth.Arm(ctx, "r1"); err != nil {
		t.Errorf("Expected arm after force disarm to succeed, got %v", err)
	}
}

func TestFrozenHandlerTimesOutWithoutBlockingOthers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DisarmTimeout = 50 * time.Millisecond
	env := newTestAuthority(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)

	env.addHandler(t, "/r1/frozen", func(ctx context.Context) error {
		<-release // ignores ctx
		return nil
	})
	after, _ := env.addHandler(t, "/r1/after", nil)

	if err := env.auth.Arm(ctx, "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	start := time.Now()
	err := env.auth.Disarm(ctx, "r1")
	var derr *DisarmError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected *DisarmError, got %v", err)
	}
	if len(derr.Failures) != 1 || derr.Failures[0].Kind != FailureTimeout || derr.Failures[0].Path != "/r1/frozen" {
		t.Errorf("Expected single timeout failure for /r1/frozen, got %+v", derr.Failures)
	}
	if after.calls.Load() != 1 {
		t.Error("Expected handler after the frozen one to be called")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Disarm took too long: %s", elapsed)
	}
}

func TestDisarmingPublishedBeforeHardwareCall(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	ctx := context.Background()
	sub := env.bus.Subscribe("safety", "r1")
	defer sub.Close()

	var seen models.SafetyState
	env.addHandler(t, "/r1/a", func(ctx context.Context) error {
		seen, _ = env.auth.State("r1")
		return nil
	})

	if err := env.auth.Arm(ctx, "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := env.auth.Disarm(ctx, "r1"); err != nil {
		t.Fatalf("Disarm failed: %v", err)
	}
	if seen != models.SafetyDisarming {
		t.Errorf("Expected handler to observe disarming, got %s", seen)
	}

	var order []string
	timeout := time.After(time.Second)
	for len(order) < 3 {
		select {
		case ev := <-sub.C():
			order = append(order, ev.To)
		case <-timeout:
			t.Fatalf("Timeout collecting events, got %v", order)
		}
	}
	want := []string{"armed", "disarming", "disarmed"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s (all: %v)", i, want[i], order[i], order)
		}
	}
}

func TestReportErrorAutoDisarms(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	ctx := context.Background()
	errs := env.bus.Subscribe("hardware_error", "r1")
	defer errs.Close()

	d, _ := env.addHandler(t, "/r1/a", nil)

	// Disarmed: event only, no state effect.
	env.auth.ReportError("r1", "/r1/a", errors.New("overcurrent"))
	select {
	case <-errs.C():
	case <-time.After(time.Second):
		t.Fatal("Expected hardware error event")
	}
	if s, _ := env.auth.State("r1"); s != models.SafetyDisarmed {
		t.Errorf("Expected disarmed, got %s", s)
	}

	if err := env.auth.Arm(ctx, "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	env.auth.ReportError("r1", "/r1/a", errors.New("overcurrent"))

	waitFor(t, "auto disarm", func() bool {
		s, _ := env.auth.State("r1")
		return s == models.SafetyDisarmed
	})
	if d.calls.Load() != 1 {
		t.Errorf("Expected 1 disarm call, got %d", d.calls.Load())
	}
}

func TestReportErrorAutoDisarmFailureGoesToError(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	env.addHandler(t, "/r1/a", func(ctx context.Context) error { return errors.New("no brake") })

	if err := env.auth.Arm(context.Background(), "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	env.auth.ReportError("r1", "/r1/a", errors.New("overcurrent"))

	waitFor(t, "safety error", func() bool { return env.auth.InError("r1") })
}

func TestReportErrorWithoutAutoDisarm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoDisarm = false
	env := newTestAuthority(t, cfg)
	errs := env.bus.Subscribe("hardware_error", "r1")
	defer errs.Close()

	if err := env.auth.Arm(context.Background(), "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	env.auth.ReportError("r1", "/r1/a", errors.New("overcurrent"))
	select {
	case <-errs.C():
	case <-time.After(time.Second):
		t.Fatal("Expected hardware error event")
	}
	if !env.auth.IsArmed("r1") {
		t.Error("Expected robot to stay armed")
	}
}

func TestRobotCrashWhileArmedDisarmsAndDiscards(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	d, _ := env.addHandler(t, "/r1/a", nil)

	if err := env.auth.Arm(context.Background(), "r1"); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	env.robot.kill()

	waitFor(t, "robot discard", func() bool {
		_, ok := env.auth.State("r1")
		return !ok
	})
	if d.calls.Load() != 1 {
		t.Errorf("Expected crash disarm to call handler once, got %d", d.calls.Load())
	}
	if len(env.auth.Handlers("r1")) != 0 {
		t.Error("Expected handler registrations to be discarded")
	}
}

func TestHandlerCrashRemovesRegistration(t *testing.T) {
	env := newTestAuthority(t, DefaultConfig())
	env.addHandler(t, "/r1/a", nil)
	_, proc := env.addHandler(t, "/r1/b", nil)

	if got := len(env.auth.Handlers("r1")); got != 2 {
		t.Fatalf("Expected 2 handlers, got %d", got)
	}
	proc.kill()

	waitFor(t, "handler removal", func() bool { return len(env.auth.Handlers("r1")) == 1 })
	if s, _ := env.auth.State("r1"); s != models.SafetyDisarmed {
		t.Errorf("Handler exit must not change safety state, got %s", s)
	}
}

func TestRegisterHandlerValidation(t *testing.T) {
	a := New(DefaultConfig(), nil, nil, nil)
	if err := a.RegisterHandler("", "id", "/p", nil, &fakeDisarmer{}, nil); !errors.Is(err, ErrInvalidHandler) {
		t.Errorf("Expected ErrInvalidHandler, got %v", err)
	}
	if err := a.RegisterHandler("r1", "id", "/p", nil, nil, nil); !errors.Is(err, ErrInvalidHandler) {
		t.Errorf("Expected ErrInvalidHandler, got %v", err)
	}
}

func TestDisarmErrorMessageNamesEveryPath(t *testing.T) {
	derr := &DisarmError{Robot: "r1", Failures: []HandlerFailure{
		{Path: "/a", Kind: FailureError, Reason: "x"},
		{Path: "/b", Kind: FailureTimeout, Reason: "y"},
	}}
	msg := derr.Error()
	for _, want := range []string{"/a", "/b", "2 handler(s)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q: %s", want, msg)
		}
	}
}
