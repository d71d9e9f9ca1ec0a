package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/guard"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProber) Probe(context.Context, *Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type fakeFeatures struct {
	disabled map[string]bool
}

func (f *fakeFeatures) IsFeatureEnabled(name string) bool {
	return !f.disabled[name]
}

func testDescriptor(name string, scopes ...string) *Descriptor {
	return &Descriptor{
		Name:    name,
		Enabled: true,
		Probe:   ProbeSpec{Type: ProbeStdio, Timeout: time.Second},
		Scopes:  scopes,
		Limits:  Limits{RPS: 100},
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeProber) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RestartBase = time.Millisecond
	cfg.RestartMax = 2 * time.Millisecond
	cfg.MaxRestarts = 2
	s := New(cfg, nil, nil, zap.NewNop())
	p := &fakeProber{}
	s.SetProber(ProbeStdio, p)
	return s, p
}

// promote registers, spawns, and probes a worker into running.
func promote(t *testing.T, s *Supervisor, p *fakeProber, d *Descriptor) {
	t.Helper()
	if err := s.Register(d); err != nil {
		t.Fatal(err)
	}
	if err := s.Spawn(context.Background(), d.Name); err != nil {
		t.Fatal(err)
	}
	p.set(nil)
	res := s.Probe(context.Background(), d.Name)
	if res.State != StateRunning {
		t.Fatalf("worker %s state = %s after successful probe, want running", d.Name, res.State)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateIdle, StateSpawning},
		{StateSpawning, StateRunning},
		{StateRunning, StateDegraded},
		{StateDegraded, StateRunning},
		{StateDegraded, StateDown},
		{StateDown, StateSpawning},
		{StateRunning, StateStopping},
	}
	for _, tr := range legal {
		if err := Transition(tr.from, tr.to); err != nil {
			t.Errorf("Transition(%s, %s) = %v, want nil", tr.from, tr.to, err)
		}
	}

	illegal := []struct{ from, to State }{
		{StateRunning, StateDown}, // must pass through degraded
		{StateIdle, StateRunning}, // needs a successful probe first
		{StateDown, StateRunning},
		{StateStopping, StateRunning},
	}
	for _, tr := range illegal {
		if err := Transition(tr.from, tr.to); err == nil {
			t.Errorf("Transition(%s, %s) = nil, want error", tr.from, tr.to)
		}
	}
}

func TestProbeDemotionThresholds(t *testing.T) {
	s, p := newTestSupervisor(t)
	promote(t, s, p, testDescriptor("w1", "translate"))

	p.set(errors.New("probe failed"))
	ctx := context.Background()

	// Two failures keep the worker running.
	for i := 0; i < 2; i++ {
		if res := s.Probe(ctx, "w1"); res.State != StateRunning {
			t.Fatalf("after %d failures state = %s, want running", i+1, res.State)
		}
	}

	// Third consecutive failure produces exactly one running→degraded.
	if res := s.Probe(ctx, "w1"); res.State != StateDegraded {
		t.Fatalf("after 3 failures state = %s, want degraded", res.State)
	}

	// DownThreshold further failures force down.
	var res ProbeResult
	for i := 0; i < s.cfg.DownThreshold; i++ {
		res = s.Probe(ctx, "w1")
	}
	if res.State != StateDown {
		t.Fatalf("state = %s, want down", res.State)
	}

	// A down worker is no longer selectable.
	if _, err := s.Select("translate"); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Select = %v, want ErrNoWorker", err)
	}
}

func TestProbeRecoveryPromotes(t *testing.T) {
	s, p := newTestSupervisor(t)
	promote(t, s, p, testDescriptor("w1", "translate"))
	ctx := context.Background()

	p.set(errors.New("probe failed"))
	for i := 0; i < 3; i++ {
		s.Probe(ctx, "w1")
	}

	p.set(nil)
	res := s.Probe(ctx, "w1")
	if res.State != StateRunning {
		t.Fatalf("state after recovery = %s, want running", res.State)
	}
	if res.Failures != 0 {
		t.Errorf("failures after recovery = %d, want 0", res.Failures)
	}
}

func TestSelectByCapability(t *testing.T) {
	s, p := newTestSupervisor(t)
	promote(t, s, p, testDescriptor("w1", "translate", "summarize"))
	promote(t, s, p, testDescriptor("w2", "fetch"))

	d, err := s.Select("fetch")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "w2" {
		t.Errorf("Select(fetch) = %s, want w2", d.Name)
	}

	if _, err := s.Select("render"); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Select(render) = %v, want ErrNoWorker", err)
	}
}

func TestIsEnabledRequiresFeatureFlag(t *testing.T) {
	cfg := DefaultConfig()
	features := &fakeFeatures{disabled: map[string]bool{"w2": true}}
	s := New(cfg, features, nil, zap.NewNop())
	s.SetProber(ProbeStdio, &fakeProber{})

	s.Register(testDescriptor("w1", "a"))
	s.Register(testDescriptor("w2", "a"))

	if !s.IsEnabled("w1") {
		t.Error("w1 should be enabled")
	}
	if s.IsEnabled("w2") {
		t.Error("w2 is feature-flagged off")
	}
}

func TestIsEnabledRequiresEnvBindings(t *testing.T) {
	s, _ := newTestSupervisor(t)
	d := testDescriptor("w1", "a")
	d.Env = map[string]string{"API_KEY": "${CONDUCTOR_TEST_UNSET_VAR}"}
	s.Register(d)

	if s.IsEnabled("w1") {
		t.Error("worker with unresolved env binding must be ineligible")
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	s, p := newTestSupervisor(t)
	if err := s.Register(testDescriptor("w1", "a")); err != nil {
		t.Fatal(err)
	}
	p.set(errors.New("dead"))
	ctx := context.Background()

	// MaxRestarts=2: two restarts succeed, the third is rejected.
	for i := 0; i < 2; i++ {
		if err := s.Restart(ctx, "w1"); err != nil {
			t.Fatalf("restart %d: %v", i+1, err)
		}
	}
	if err := s.Restart(ctx, "w1"); err == nil {
		t.Fatal("restart beyond budget should fail")
	}
	// Budget stays spent until reset.
	if err := s.Restart(ctx, "w1"); err == nil {
		t.Fatal("exhausted worker must stay down")
	}

	if err := s.Reset("w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Restart(ctx, "w1"); err != nil {
		t.Fatalf("restart after reset: %v", err)
	}
}

func TestInvokeGuards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	s := New(cfg, nil, nil, zap.NewNop())
	p := &fakeProber{}
	s.SetProber(ProbeStdio, p)

	d := testDescriptor("w1", "a")
	d.Limits.RPS = 3
	promote(t, s, p, d)
	ctx := context.Background()

	// Breaker opens after threshold failures.
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }
	s.Invoke(ctx, "w1", fail)
	s.Invoke(ctx, "w1", fail)
	if err := s.Invoke(ctx, "w1", func(context.Context) error { return nil }); !errors.Is(err, guard.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestInvokeRateLimit(t *testing.T) {
	s, p := newTestSupervisor(t)
	d := testDescriptor("w1", "a")
	d.Limits.RPS = 2
	promote(t, s, p, d)
	ctx := context.Background()

	ok := func(context.Context) error { return nil }
	s.Invoke(ctx, "w1", ok)
	s.Invoke(ctx, "w1", ok)
	if err := s.Invoke(ctx, "w1", ok); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestInvokeRejectedWhileDown(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.Register(testDescriptor("w1", "a"))

	err := s.Invoke(context.Background(), "w1", func(context.Context) error { return nil })
	if !errors.Is(err, ErrWorkerDown) {
		t.Fatalf("err = %v, want ErrWorkerDown", err)
	}
}

func TestHealthSummary(t *testing.T) {
	s, p := newTestSupervisor(t)
	promote(t, s, p, testDescriptor("w1", "a"))
	promote(t, s, p, testDescriptor("w2", "b"))

	h := s.Health()
	if !h.Ready || h.Status != "ok" {
		t.Fatalf("health = %+v, want ready/ok", h)
	}

	p.set(errors.New("probe failed"))
	for i := 0; i < 3; i++ {
		s.Probe(context.Background(), "w1")
	}
	h = s.Health()
	if h.Status != "degraded" {
		t.Fatalf("status = %s, want degraded", h.Status)
	}
}

func TestStateChangeEvents(t *testing.T) {
	s, p := newTestSupervisor(t)
	promote(t, s, p, testDescriptor("w1", "a"))

	// Drain spawn/promote events, then force a demotion.
	for len(s.Events()) > 0 {
		<-s.Events()
	}
	p.set(errors.New("probe failed"))
	for i := 0; i < 3; i++ {
		s.Probe(context.Background(), "w1")
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != EventStateChange || ev.To != StateDegraded {
			t.Fatalf("event = %+v, want state_change to degraded", ev)
		}
	default:
		t.Fatal("expected a state change event")
	}
}

func TestInvokeConcurrentWithProbes(t *testing.T) {
	s, p := newTestSupervisor(t)
	promote(t, s, p, testDescriptor("w1", "a"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		flaky := errors.New("probe failed")
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%4 == 3 {
				p.set(flaky)
			} else {
				p.set(nil)
			}
			s.Probe(context.Background(), "w1")
		}
	}()
	go func() {
		defer wg.Done()
		ok := func(context.Context) error { return nil }
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.Invoke(context.Background(), "w1", ok)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestSelectSkipsIneligibleCandidate(t *testing.T) {
	features := &fakeFeatures{disabled: map[string]bool{}}
	s := New(DefaultConfig(), features, nil, zap.NewNop())
	p := &fakeProber{}
	s.SetProber(ProbeStdio, p)
	promote(t, s, p, testDescriptor("w1", "parse"))
	promote(t, s, p, testDescriptor("w2", "parse"))

	// Flagging off the first-registered worker must not hide the second.
	features.disabled["w1"] = true
	d, err := s.Select("parse")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "w2" {
		t.Fatalf("Select(parse) = %s, want w2", d.Name)
	}
}
