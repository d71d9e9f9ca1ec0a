package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/guard"
	"github.com/nidhogg/conductor/internal/supervisor"
	"github.com/nidhogg/conductor/internal/tool"
)

var (
	// ErrUnknownWorkflow is returned for execution of an unregistered name.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrUnknownExecution is returned for operations on a missing execution.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrPermissionDenied is returned when the access source vetoes a step.
	ErrPermissionDenied = errors.New("permission denied")
)

// Access authorizes steps on behalf of a caller. External collaborator.
type Access interface {
	CheckPermission(subject, resource, action string) bool
}

// FeatureSource gates optional steps. External collaborator.
type FeatureSource interface {
	IsFeatureEnabled(name string) bool
}

// Triggers wires workflow triggers to their external sources.
type Triggers interface {
	RegisterEvent(workflow, event string) error
	RegisterSchedule(workflow, schedule string) error
	RegisterWebhook(workflow, path string) error
}

// Observer is told about retries synchronously, before the backoff wait.
type Observer interface {
	OnRetry(executionID, step string, attempt int, err error)
}

// Recorder optionally persists terminal execution results. Best-effort.
type Recorder interface {
	SaveExecution(ctx context.Context, r *Result) error
}

// ExecOptions carry the caller identity for a single execution.
type ExecOptions struct {
	UserID    string
	SessionID string
}

// execution is the engine's mutable per-run state.
type execution struct {
	mu         sync.Mutex
	id         string
	workflow   string
	status     ExecStatus
	startedAt  time.Time
	endedAt    time.Time
	vars       map[string]interface{}
	steps      []*StepExecution
	errs       []string
	userID     string
	sessionID  string
	cancelled  bool
	failedHard bool
}

// Engine resolves workflow definitions into step plans and drives them
// against the tool registry under the resilience guards.
type Engine struct {
	tools *tool.Registry

	mu          sync.RWMutex
	definitions map[string]*Definition
	executions  map[string]*execution
	draining    bool

	access   Access
	features FeatureSource
	triggers Triggers
	observer Observer
	recorder Recorder

	errClasses map[string]int
	logger     *zap.Logger
}

// NewEngine creates an engine over a tool registry.
func NewEngine(tools *tool.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		tools:       tools,
		definitions: make(map[string]*Definition),
		executions:  make(map[string]*execution),
		errClasses:  make(map[string]int),
		logger:      logger,
	}
}

// SetAccess wires the permission collaborator.
func (e *Engine) SetAccess(a Access) { e.access = a }

// SetFeatures wires the feature-flag collaborator.
func (e *Engine) SetFeatures(f FeatureSource) { e.features = f }

// SetTriggers wires the trigger registration collaborator.
func (e *Engine) SetTriggers(t Triggers) { e.triggers = t }

// SetObserver wires the retry observer.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// SetRecorder wires optional result persistence.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// Register validates a definition, stores it (replacing any prior definition
// of the same name), and wires its trigger. Validation failures are the only
// error class fatal to the caller.
func (e *Engine) Register(def *Definition) error {
	if err := Validate(def); err != nil {
		return fmt.Errorf("workflow %q: %w", def.Name, err)
	}

	e.mu.Lock()
	replaced := e.definitions[def.Name] != nil
	e.definitions[def.Name] = def
	e.mu.Unlock()

	e.logger.Info("workflow registered",
		zap.String("workflow", def.Name),
		zap.String("version", def.Version),
		zap.Int("steps", len(def.Steps)),
		zap.Bool("replaced", replaced))

	if e.triggers != nil {
		switch {
		case def.Trigger.Event != "":
			return e.triggers.RegisterEvent(def.Name, def.Trigger.Event)
		case def.Trigger.Schedule != "":
			return e.triggers.RegisterSchedule(def.Name, def.Trigger.Schedule)
		case def.Trigger.Webhook != "":
			return e.triggers.RegisterWebhook(def.Name, def.Trigger.Webhook)
		}
	}
	return nil
}

// Definition returns a registered definition by name.
func (e *Engine) Definition(name string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return def, nil
}

// Definitions lists registered workflows, sorted by name.
func (e *Engine) Definitions() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Definition, 0, len(e.definitions))
	for _, d := range e.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a workflow to a terminal Result. Runtime step failures are
// absorbed into the result per the definition's error policy; only an
// unknown name or a draining engine errors out before a context exists.
func (e *Engine) Execute(ctx context.Context, name string, payload map[string]interface{}, opts ExecOptions) (*Result, error) {
	e.mu.RLock()
	def, ok := e.definitions[name]
	draining := e.draining
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if draining {
		return nil, fmt.Errorf("engine is shutting down, not admitting workflow %s", name)
	}

	ex := &execution{
		id:        uuid.New().String(),
		workflow:  def.Name,
		status:    ExecRunning,
		startedAt: time.Now(),
		vars:      seedVariables(payload),
		userID:    opts.UserID,
		sessionID: opts.SessionID,
	}
	for i := range def.Steps {
		ex.steps = append(ex.steps, &StepExecution{Name: def.Steps[i].Name, Status: StepPending})
	}

	e.mu.Lock()
	e.executions[ex.id] = ex
	e.mu.Unlock()

	e.logger.Info("execution started",
		zap.String("workflow", def.Name),
		zap.String("execution", ex.id))

	e.runPlan(ctx, def, ex)
	return e.finish(ctx, def, ex), nil
}

// seedVariables flattens the trigger payload one level into the variable
// bag and keeps the whole payload under the reserved "trigger" key.
func seedVariables(payload map[string]interface{}) map[string]interface{} {
	vars := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		vars[k] = v
	}
	vars["trigger"] = payload
	return vars
}

// batch is a run of steps executed together: one sequential step, or a
// maximal run of consecutive parallel steps.
type batch struct {
	start    int
	steps    []int
	parallel bool
}

// partition splits the step list, preserving declaration order: consecutive
// parallel steps form one batch, sequential steps run alone. A pending
// parallel batch always flushes before a sequential step starts.
func partition(steps []Step) []batch {
	var out []batch
	i := 0
	for i < len(steps) {
		if !steps[i].Parallel {
			out = append(out, batch{start: i, steps: []int{i}})
			i++
			continue
		}
		b := batch{start: i, parallel: true}
		for i < len(steps) && steps[i].Parallel {
			b.steps = append(b.steps, i)
			i++
		}
		out = append(out, b)
	}
	return out
}

// runPlan walks the batches, applying the workflow error policy to any
// failure that escapes a step's own retry budget.
func (e *Engine) runPlan(ctx context.Context, def *Definition, ex *execution) {
	policy := def.ErrorHandling
	planRetries := 0

	batches := partition(def.Steps)
	for bi := 0; bi < len(batches); bi++ {
		if ex.isCancelled() {
			return
		}
		b := batches[bi]

		var failed []int
		if b.parallel {
			failed = e.runParallel(ctx, def, ex, b)
		} else {
			idx := b.steps[0]
			if err := e.runStep(ctx, def, ex, idx, false); err != nil {
				failed = []int{idx}
			}
		}
		if len(failed) == 0 {
			continue
		}

		action := OnErrorFail
		if policy != nil && policy.OnError != "" {
			action = policy.OnError
		}

		switch action {
		case OnErrorNotify:
			// Recorded in the step and error list; continue as if the step
			// produced no output.
			continue

		case OnErrorFallback:
			if policy.Fallback == "" {
				ex.fail()
				return
			}
			fidx := stepIndex(def, policy.Fallback)
			if fidx < 0 || e.runStep(ctx, def, ex, fidx, true) != nil {
				ex.fail()
				return
			}
			continue

		case OnErrorRetry:
			limit := 1
			if policy.Retry > 0 {
				limit = policy.Retry
			}
			if planRetries < limit {
				planRetries++
				e.logger.Info("re-running plan from failed batch",
					zap.String("execution", ex.id),
					zap.Int("plan_retry", planRetries))
				ex.resetFrom(b.start)
				bi--
				continue
			}
			ex.fail()
			return

		default:
			ex.fail()
			return
		}
	}
}

func stepIndex(def *Definition, name string) int {
	for i := range def.Steps {
		if def.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// runParallel executes a batch concurrently with allSettled semantics: every
// member runs to its own outcome, sibling failures abort nothing.
func (e *Engine) runParallel(ctx context.Context, def *Definition, ex *execution, b batch) []int {
	var wg sync.WaitGroup
	results := make(chan int, len(b.steps))

	for _, idx := range b.steps {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := e.runStep(ctx, def, ex, idx, false); err != nil {
				results <- idx
			}
		}(idx)
	}
	wg.Wait()
	close(results)

	var failed []int
	for idx := range results {
		failed = append(failed, idx)
	}
	sort.Ints(failed)
	return failed
}

// runStep drives one step through condition gating, template resolution,
// permission check, and the attempt loop. force bypasses the gates so a
// fallback invocation runs even when the step's own condition holds it
// out of the normal sequence.
func (e *Engine) runStep(ctx context.Context, def *Definition, ex *execution, idx int, force bool) error {
	step := &def.Steps[idx]
	rec := ex.steps[idx]

	// A step already completed as a fallback is not run again when the
	// sequential walk reaches it.
	if ex.stepCompleted(rec) {
		return nil
	}
	if !force {
		if step.Feature != "" && e.features != nil && !e.features.IsFeatureEnabled(step.Feature) {
			ex.skip(rec)
			return nil
		}
		if !EvalCondition(step.Condition, ex.snapshotVars()) {
			ex.skip(rec)
			return nil
		}
	}

	input := ResolveInput(step.Input, ex.snapshotVars())
	ex.startStep(rec, input)

	if e.access != nil && ex.userID != "" {
		if !e.access.CheckPermission(ex.userID, step.Tool, "execute") {
			err := fmt.Errorf("%w: user %s on tool %s", ErrPermissionDenied, ex.userID, step.Tool)
			e.recordFailure(ex, rec, err, "security")
			return err
		}
	}

	tl, err := e.tools.Get(step.Tool, step.Provider)
	if err != nil {
		e.recordFailure(ex, rec, err, "configuration")
		return err
	}

	policy := step.Retry.Policy()
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond

	var out map[string]interface{}
	for attempt := 0; attempt < attempts; attempt++ {
		err = guard.WithTimeout(ctx, timeout, func(ctx context.Context) error {
			var terr error
			out, terr = tl.Execute(ctx, input)
			return terr
		})
		if err == nil {
			break
		}

		// Capacity errors cannot be fixed by retrying here.
		if errors.Is(err, supervisor.ErrNoWorker) {
			e.recordFailure(ex, rec, err, "capacity")
			return err
		}

		if attempt < attempts-1 {
			ex.recordRetry(rec)
			if e.observer != nil {
				e.observer.OnRetry(ex.id, step.Name, attempt+1, err)
			}
			delay := policy.Delay(attempt)
			e.logger.Debug("step retry",
				zap.String("execution", ex.id),
				zap.String("step", step.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.recordFailure(ex, rec, ctx.Err(), "transient")
				return ctx.Err()
			}
		}
	}
	if err != nil {
		e.recordFailure(ex, rec, err, "transient")
		return err
	}

	ex.completeStep(rec, out)
	ex.mergeOutputs(step, out)
	return nil
}

func (e *Engine) recordFailure(ex *execution, rec *StepExecution, err error, class string) {
	ex.failStep(rec, err)
	e.mu.Lock()
	e.errClasses[class]++
	e.mu.Unlock()
	e.logger.Warn("step failed",
		zap.String("execution", ex.id),
		zap.String("step", rec.Name),
		zap.String("class", class),
		zap.Error(err))
}

// finish seals the execution and assembles the caller-facing result.
func (e *Engine) finish(ctx context.Context, def *Definition, ex *execution) *Result {
	ex.mu.Lock()
	if ex.status == ExecRunning {
		switch {
		case ex.cancelled:
			ex.status = ExecCancelled
		case ex.failedHard:
			ex.status = ExecFailed
		default:
			ex.status = ExecCompleted
		}
	}
	ex.endedAt = time.Now()
	ex.mu.Unlock()

	res := ex.result()

	e.logger.Info("execution finished",
		zap.String("execution", ex.id),
		zap.String("workflow", ex.workflow),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration))

	if e.recorder != nil {
		if err := e.recorder.SaveExecution(ctx, res); err != nil {
			e.logger.Warn("execution persistence failed",
				zap.String("execution", ex.id), zap.Error(err))
		}
	}
	return res
}

// Cancel marks a running execution cancelled. Cooperative: an in-flight
// step finishes, no further steps are admitted.
func (e *Engine) Cancel(id string) error {
	e.mu.RLock()
	ex, ok := e.executions[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.status != ExecRunning {
		return fmt.Errorf("execution %s is %s, cannot cancel", id, ex.status)
	}
	ex.cancelled = true
	e.logger.Info("execution cancelled", zap.String("execution", id))
	return nil
}

// Drain stops admitting new executions and cancels running ones. Part of
// graceful shutdown.
func (e *Engine) Drain() {
	e.mu.Lock()
	e.draining = true
	running := make([]*execution, 0)
	for _, ex := range e.executions {
		running = append(running, ex)
	}
	e.mu.Unlock()

	for _, ex := range running {
		ex.mu.Lock()
		if ex.status == ExecRunning {
			ex.cancelled = true
		}
		ex.mu.Unlock()
	}
	e.logger.Info("engine draining, running executions cancelled")
}

// EngineStats summarizes the engine for the operational surface.
type EngineStats struct {
	Workflows  int                `json:"workflows"`
	Tools      int                `json:"tools"`
	Executions map[ExecStatus]int `json:"executions"`
	ErrClasses map[string]int     `json:"error_classes"`
}

// Stats returns execution counts by status and error class counters.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := EngineStats{
		Workflows:  len(e.definitions),
		Tools:      len(e.tools.Names()),
		Executions: make(map[ExecStatus]int),
		ErrClasses: make(map[string]int, len(e.errClasses)),
	}
	for _, ex := range e.executions {
		ex.mu.Lock()
		s.Executions[ex.status]++
		ex.mu.Unlock()
	}
	for k, v := range e.errClasses {
		s.ErrClasses[k] = v
	}
	return s
}

// Execution returns a point-in-time result snapshot for one execution,
// terminal or still running.
func (e *Engine) Execution(id string) (*Result, error) {
	e.mu.RLock()
	ex, ok := e.executions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	return ex.result(), nil
}

// Executions lists snapshots of all known executions, newest first.
func (e *Engine) Executions() []*Result {
	e.mu.RLock()
	all := make([]*execution, 0, len(e.executions))
	for _, ex := range e.executions {
		all = append(all, ex)
	}
	e.mu.RUnlock()

	out := make([]*Result, 0, len(all))
	for _, ex := range all {
		out = append(out, ex.result())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
