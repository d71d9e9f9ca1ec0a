package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/guard"
)

var (
	// ErrNoWorker means no running worker declares the requested capability.
	// This is a capacity error: retrying cannot help without operator action.
	ErrNoWorker = errors.New("no eligible worker")

	// ErrRateLimited means the worker's invocation budget is exhausted.
	ErrRateLimited = errors.New("worker rate limited")

	// ErrWorkerDown means the worker is not in a selectable state.
	ErrWorkerDown = errors.New("worker down")
)

// FeatureSource gates workers behind feature flags. External collaborator.
type FeatureSource interface {
	IsFeatureEnabled(name string) bool
}

// Config tunes the supervisor's health thresholds and restart policy.
type Config struct {
	DegradedThreshold int           // consecutive probe failures before running→degraded
	DownThreshold     int           // further failures before degraded→down
	ProbeInterval     time.Duration // background probe cadence
	RestartBase       time.Duration // initial restart backoff
	RestartMax        time.Duration // restart backoff cap
	MaxRestarts       int           // restarts before a worker is left down for good
	BreakerThreshold  int
	BreakerRecovery   time.Duration
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold: 3,
		DownThreshold:     3,
		ProbeInterval:     15 * time.Second,
		RestartBase:       time.Second,
		RestartMax:        30 * time.Second,
		MaxRestarts:       5,
		BreakerThreshold:  5,
		BreakerRecovery:   30 * time.Second,
	}
}

// Worker is the supervisor's live record for one descriptor.
type Worker struct {
	Descriptor *Descriptor

	state      State
	failures   int // consecutive failed probes
	restarts   int
	exhausted  bool // restart budget spent; needs operator reset
	missingEnv []string
	breaker    *guard.Breaker
	limiter    *guard.RateLimiter
	lastProbe  ProbeResult
	order      int

	hmu    sync.Mutex
	handle Handle
}

// Handle returns the worker's process handle, if it was launched locally.
func (w *Worker) Handle() Handle {
	w.hmu.Lock()
	defer w.hmu.Unlock()
	return w.handle
}

func (w *Worker) setHandle(h Handle) {
	w.hmu.Lock()
	defer w.hmu.Unlock()
	w.handle = h
}

// Status is a point-in-time snapshot of one worker, as exposed to operators.
type Status struct {
	Name       string             `json:"name"`
	State      State              `json:"state"`
	Enabled    bool               `json:"enabled"`
	Failures   int                `json:"consecutive_failures"`
	Restarts   int                `json:"restarts"`
	Exhausted  bool               `json:"restart_budget_exhausted"`
	MissingEnv []string           `json:"missing_env,omitempty"`
	Breaker    guard.BreakerState `json:"breaker"`
	Scopes     []string           `json:"scopes"`
	LastProbe  *ProbeResult       `json:"last_probe,omitempty"`
}

// EventKind categorizes supervisor notifications.
type EventKind string

const (
	EventStateChange EventKind = "state_change"
	EventCircuitOpen EventKind = "circuit_open"
)

// Event is a state-change notification delivered over the events channel.
type Event struct {
	Kind   EventKind `json:"kind"`
	Worker string    `json:"worker"`
	From   State     `json:"from,omitempty"`
	To     State     `json:"to,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Supervisor owns the worker registry and each worker's lifecycle.
type Supervisor struct {
	cfg      Config
	features FeatureSource
	launcher Launcher
	probers  map[ProbeType]Prober

	mu      sync.RWMutex
	workers map[string]*Worker
	nextOrd int

	events chan Event
	logger *zap.Logger
}

// New creates a supervisor. A nil features source enables all workers.
func New(cfg Config, features FeatureSource, launcher Launcher, logger *zap.Logger) *Supervisor {
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 3
	}
	if cfg.DownThreshold <= 0 {
		cfg.DownThreshold = 3
	}
	return &Supervisor{
		cfg:      cfg,
		features: features,
		launcher: launcher,
		probers: map[ProbeType]Prober{
			ProbeStdio: StdioProber{},
			ProbeHTTP:  HTTPProber{},
			ProbeGRPC:  GRPCProber{},
		},
		workers: make(map[string]*Worker),
		events:  make(chan Event, 64),
		logger:  logger,
	}
}

// SetProber overrides the prober for a probe type. Used by tests and by
// deployments with custom health protocols.
func (s *Supervisor) SetProber(t ProbeType, p Prober) {
	s.probers[t] = p
}

// Register adds a worker descriptor to the registry.
func (s *Supervisor) Register(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("worker descriptor requires a name")
	}
	if _, ok := s.probers[d.Probe.Type]; !ok {
		return fmt.Errorf("worker %s: unknown probe type %q", d.Name, d.Probe.Type)
	}

	rps := d.Limits.RPS
	if rps <= 0 {
		rps = 10
	}
	if d.Limits.Burst > rps {
		rps = d.Limits.Burst
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[d.Name]; ok {
		return fmt.Errorf("worker %s already registered", d.Name)
	}
	s.workers[d.Name] = &Worker{
		Descriptor: d,
		state:      StateIdle,
		missingEnv: d.MissingEnv(),
		breaker:    guard.NewBreaker(d.Name, s.cfg.BreakerThreshold, s.cfg.BreakerRecovery, s.logger),
		limiter:    guard.NewRateLimiter(rps, time.Second),
		order:      s.nextOrd,
	}
	s.nextOrd++
	s.logger.Info("worker registered",
		zap.String("worker", d.Name),
		zap.Strings("scopes", d.Scopes))
	return nil
}

// Events exposes supervisor state-change notifications. Consumers poll or
// receive; when nobody drains the channel, events are dropped, not blocked on.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

func (s *Supervisor) emit(ev Event) {
	ev.At = time.Now()
	select {
	case s.events <- ev:
	default:
	}
}

// IsEnabled reports whether a worker may receive work at all: feature flag on,
// descriptor enabled, and every env binding resolved.
func (s *Supervisor) IsEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	return ok && s.eligibleLocked(w)
}

// eligibleLocked requires s.mu to be held.
func (s *Supervisor) eligibleLocked(w *Worker) bool {
	if !w.Descriptor.Enabled || len(w.missingEnv) > 0 {
		return false
	}
	if s.features != nil && !s.features.IsFeatureEnabled(w.Descriptor.Name) {
		return false
	}
	return true
}

// transition applies a state change under the lock, enforcing the table.
func (s *Supervisor) transition(w *Worker, to State, reason string) {
	from := w.state
	if from == to {
		return
	}
	if err := Transition(from, to); err != nil {
		s.logger.Error("illegal lifecycle transition rejected",
			zap.String("worker", w.Descriptor.Name),
			zap.Error(err))
		return
	}
	w.state = to
	s.logger.Info("worker state changed",
		zap.String("worker", w.Descriptor.Name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	s.emit(Event{Kind: EventStateChange, Worker: w.Descriptor.Name, From: from, To: to, Reason: reason})
}

// Spawn launches an idle or down worker and moves it to spawning. The worker
// stays in spawning until its first successful probe promotes it.
func (s *Supervisor) Spawn(ctx context.Context, name string) error {
	if !s.IsEnabled(name) {
		return fmt.Errorf("worker %s is not enabled", name)
	}

	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown worker %s", name)
	}
	if w.exhausted {
		s.mu.Unlock()
		return fmt.Errorf("worker %s: restart budget exhausted, reset required", name)
	}
	s.transition(w, StateSpawning, "spawn requested")
	d := w.Descriptor
	s.mu.Unlock()

	if s.launcher == nil || d.Command == "" {
		return nil // externally managed process; probes decide promotion
	}

	h, err := s.launcher.Start(ctx, d)
	if err != nil {
		s.mu.Lock()
		w.failures++
		s.transition(w, StateDown, "launch failed")
		s.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", name, err)
	}

	w.setHandle(h)
	return nil
}

// Probe runs the worker's declared health probe and advances its state.
// Probe failures are recorded, never returned as errors to the caller.
func (s *Supervisor) Probe(ctx context.Context, name string) ProbeResult {
	s.mu.RLock()
	w, ok := s.workers[name]
	s.mu.RUnlock()
	if !ok {
		return ProbeResult{Worker: name, Healthy: false, Error: "unknown worker", CheckedAt: time.Now()}
	}

	prober := s.probers[w.Descriptor.Probe.Type]
	timeout := w.Descriptor.Probe.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	start := time.Now()
	err := guard.WithTimeout(ctx, timeout, func(ctx context.Context) error {
		return prober.Probe(ctx, w)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	res := ProbeResult{
		Worker:    name,
		Healthy:   err == nil,
		Duration:  time.Since(start),
		CheckedAt: time.Now(),
	}

	if err == nil {
		w.failures = 0
		switch w.state {
		case StateSpawning:
			s.transition(w, StateRunning, "probe succeeded")
		case StateDegraded:
			s.transition(w, StateRunning, "probe recovered")
		}
	} else {
		res.Error = err.Error()
		w.failures++
		s.logger.Debug("probe failed",
			zap.String("worker", name),
			zap.Int("consecutive", w.failures),
			zap.Error(err))

		downAt := s.cfg.DegradedThreshold + s.cfg.DownThreshold
		switch {
		case w.state == StateRunning && w.failures >= s.cfg.DegradedThreshold:
			s.transition(w, StateDegraded, "consecutive probe failures")
		case (w.state == StateDegraded || w.state == StateSpawning) && w.failures >= downAt:
			s.transition(w, StateDown, "probe failure threshold exceeded")
		}
	}

	res.State = w.state
	res.Failures = w.failures
	w.lastProbe = res
	return res
}

// ProbeAll probes every enabled worker once.
func (s *Supervisor) ProbeAll(ctx context.Context) []ProbeResult {
	s.mu.RLock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	results := make([]ProbeResult, 0, len(names))
	for _, name := range names {
		if !s.IsEnabled(name) {
			continue
		}
		results = append(results, s.Probe(ctx, name))
	}
	return results
}

// Restart applies a capped exponential backoff delay, then re-spawns a down
// worker. Beyond MaxRestarts the worker stays down until an operator reset.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown worker %s", name)
	}
	if w.exhausted {
		s.mu.Unlock()
		return fmt.Errorf("worker %s: restart budget exhausted, reset required", name)
	}
	if s.cfg.MaxRestarts > 0 && w.restarts >= s.cfg.MaxRestarts {
		w.exhausted = true
		s.mu.Unlock()
		s.logger.Warn("worker restart budget exhausted",
			zap.String("worker", name),
			zap.Int("restarts", w.restarts))
		return fmt.Errorf("worker %s: restart budget exhausted, reset required", name)
	}
	attempt := w.restarts
	w.restarts++
	s.mu.Unlock()

	delay := s.restartDelay(attempt)
	s.logger.Info("restarting worker",
		zap.String("worker", name),
		zap.Int("attempt", attempt+1),
		zap.Duration("backoff", delay))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	w.failures = 0
	s.mu.Unlock()
	return s.Spawn(ctx, name)
}

func (s *Supervisor) restartDelay(attempt int) time.Duration {
	base := s.cfg.RestartBase
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if s.cfg.RestartMax > 0 && d >= s.cfg.RestartMax {
			return s.cfg.RestartMax
		}
	}
	if s.cfg.RestartMax > 0 && d > s.cfg.RestartMax {
		d = s.cfg.RestartMax
	}
	return d
}

// Reset clears a worker's restart budget, failure count, and breaker, moving
// it back to idle. This is the operator path out of a permanent down state.
func (s *Supervisor) Reset(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("unknown worker %s", name)
	}
	w.restarts = 0
	w.failures = 0
	w.exhausted = false
	w.missingEnv = w.Descriptor.MissingEnv()
	w.state = StateIdle
	w.breaker.Reset()
	s.logger.Info("worker reset by operator", zap.String("worker", name))
	return nil
}

// Select returns a running, eligible worker declaring the capability, in
// registration order, or ErrNoWorker. Callers treat ErrNoWorker as
// retryable-or-fail.
func (s *Supervisor) Select(capability string) (*Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Worker
	for _, w := range s.workers {
		if !w.state.Selectable() || !w.Descriptor.HasScope(capability) || !s.eligibleLocked(w) {
			continue
		}
		if best == nil || w.order < best.order {
			best = w
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w for capability %q", ErrNoWorker, capability)
	}
	return best.Descriptor, nil
}

// Invoke runs fn against a named worker under its rate limiter, circuit
// breaker, and invocation timeout.
func (s *Supervisor) Invoke(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	w, ok := s.workers[name]
	var st State
	if ok {
		st = w.state
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", name)
	}
	if !st.Selectable() {
		return fmt.Errorf("%w: %s is %s", ErrWorkerDown, name, st)
	}

	if d := w.limiter.Allow(name); !d.Allowed {
		return fmt.Errorf("%w: %s, retry after %s", ErrRateLimited, name, time.Until(d.ResetAt).Round(time.Millisecond))
	}

	timeout := w.Descriptor.Limits.Timeout
	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return guard.WithTimeout(ctx, timeout, fn)
	})
	if errors.Is(err, guard.ErrCircuitOpen) {
		s.emit(Event{Kind: EventCircuitOpen, Worker: name, Reason: "invocation rejected"})
	}
	return err
}

// Statuses returns a snapshot of every worker, in registration order.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type ordered struct {
		order int
		st    Status
	}
	rows := make([]ordered, 0, len(s.workers))
	for _, w := range s.workers {
		st := Status{
			Name:       w.Descriptor.Name,
			State:      w.state,
			Enabled:    w.Descriptor.Enabled && len(w.missingEnv) == 0,
			Failures:   w.failures,
			Restarts:   w.restarts,
			Exhausted:  w.exhausted,
			MissingEnv: w.missingEnv,
			Breaker:    w.breaker.State(),
			Scopes:     w.Descriptor.Scopes,
		}
		if !w.lastProbe.CheckedAt.IsZero() {
			lp := w.lastProbe
			st.LastProbe = &lp
		}
		rows = append(rows, ordered{order: w.order, st: st})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].order < rows[j].order })

	out := make([]Status, len(rows))
	for i, r := range rows {
		out[i] = r.st
	}
	return out
}

// Health summarizes fleet readiness for the operational surface.
type Health struct {
	Ready   bool     `json:"ready"`
	Status  string   `json:"status"` // ok | degraded | down
	Workers []Status `json:"workers"`
}

// Health reports ok when every enabled worker runs, degraded when some do,
// and down when none do.
func (s *Supervisor) Health() Health {
	statuses := s.Statuses()

	enabled, running := 0, 0
	for _, st := range statuses {
		if !st.Enabled {
			continue
		}
		enabled++
		if st.State == StateRunning {
			running++
		}
	}

	h := Health{Workers: statuses}
	switch {
	case enabled == 0 || running == enabled:
		h.Status = "ok"
		h.Ready = true
	case running > 0:
		h.Status = "degraded"
		h.Ready = true
	default:
		h.Status = "down"
	}
	return h
}

// Run starts all enabled workers and probes them on the configured interval
// until ctx is cancelled. Workers that go down are restarted automatically
// within their restart budget.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		if !s.IsEnabled(name) {
			continue
		}
		if err := s.Spawn(ctx, name); err != nil {
			s.logger.Warn("initial spawn failed", zap.String("worker", name), zap.Error(err))
		}
	}

	interval := s.cfg.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.ProbeAll(ctx)
			s.restartDowned(ctx)
		}
	}
}

func (s *Supervisor) restartDowned(ctx context.Context) {
	s.mu.RLock()
	var downed []string
	for name, w := range s.workers {
		if w.state == StateDown && !w.exhausted {
			downed = append(downed, name)
		}
	}
	s.mu.RUnlock()

	for _, name := range downed {
		if err := s.Restart(ctx, name); err != nil {
			s.logger.Warn("restart failed", zap.String("worker", name), zap.Error(err))
		}
	}
}

// Shutdown stops every launched worker process.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.state == StateIdle || w.state == StateStopping {
			continue
		}
		s.transition(w, StateStopping, "shutdown")
		if h := w.Handle(); h != nil {
			if err := h.Stop(); err != nil {
				s.logger.Warn("worker stop failed",
					zap.String("worker", w.Descriptor.Name),
					zap.Error(err))
			}
		}
	}
}
