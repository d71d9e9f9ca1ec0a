package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/tool"
)

// funcTool adapts a closure into a registry tool for tests.
type funcTool struct {
	name string
	fn   func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

func (t *funcTool) Name() string { return t.name }

func (t *funcTool) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return t.fn(ctx, input)
}

func newTestEngine(t *testing.T) (*Engine, *tool.Registry) {
	t.Helper()
	reg := tool.NewRegistry(zap.NewNop())
	return NewEngine(reg, zap.NewNop()), reg
}

func mustRegisterTool(t *testing.T, reg *tool.Registry, name string, fn func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)) {
	t.Helper()
	if err := reg.Register(&funcTool{name: name, fn: fn}, ""); err != nil {
		t.Fatalf("register tool %s: %v", name, err)
	}
}

func okTool(out map[string]interface{}) func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
	return func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return out, nil
	}
}

func TestRegisterValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	bad := []*Definition{
		{Name: "", Steps: []Step{{Name: "a", Tool: "echo"}}},
		{Name: "empty"},
		{Name: "dup", Steps: []Step{{Name: "a", Tool: "echo"}, {Name: "a", Tool: "echo"}}},
		{Name: "no-tool", Steps: []Step{{Name: "a"}}},
		{Name: "retry", Steps: []Step{{Name: "a", Tool: "echo", Retry: &RetryConfig{Attempts: 11}}}},
		{Name: "backoff", Steps: []Step{{Name: "a", Tool: "echo", Retry: &RetryConfig{Backoff: "fibonacci"}}}},
		{Name: "prio", Steps: []Step{{Name: "a", Tool: "echo", Priority: 99}}},
		{
			Name:          "fb",
			Steps:         []Step{{Name: "a", Tool: "echo"}},
			ErrorHandling: &ErrorHandling{OnError: OnErrorFallback, Fallback: "ghost"},
		},
	}
	for _, def := range bad {
		if err := e.Register(def); err == nil {
			t.Errorf("expected validation error for %q", def.Name)
		}
	}

	ok := &Definition{Name: "good", Steps: []Step{{Name: "a", Tool: "echo"}}}
	if err := e.Register(ok); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Execute(context.Background(), "ghost", nil, ExecOptions{}); !errors.Is(err, ErrUnknownWorkflow) {
		t.Fatalf("err = %v, want ErrUnknownWorkflow", err)
	}
}

func TestExecuteSequentialPipesOutputs(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "fetch", okTool(map[string]interface{}{
		"body":   `{"tier":"gold"}`,
		"status": 200,
	}))
	var transformGot interface{}
	mustRegisterTool(t, reg, "transform", func(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		transformGot = input["input"]
		return map[string]interface{}{"shaped": true}, nil
	})

	def := &Definition{
		Name: "fetch-transform",
		Steps: []Step{
			{Name: "fetch", Tool: "fetch", Input: map[string]interface{}{"url": "http://example/${trigger.id}"}},
			{Name: "transform", Tool: "transform", Input: map[string]interface{}{"input": "${fetch.body}"}},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "fetch-transform", map[string]interface{}{"id": "42"}, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ExecCompleted {
		t.Fatalf("status = %s, errors = %v", res.Status, res.Errors)
	}
	if transformGot != `{"tier":"gold"}` {
		t.Fatalf("transform input = %v, want fetch body", transformGot)
	}
	fetchOut, ok := res.Outputs["fetch"].(map[string]interface{})
	if !ok || fetchOut["status"] != 200 {
		t.Fatalf("fetch output missing from result: %#v", res.Outputs)
	}
	if res.Steps[0].Input["url"] != "http://example/42" {
		t.Fatalf("trigger payload not resolved: %v", res.Steps[0].Input)
	}
}

func TestRetryBudgetInvokesExactly(t *testing.T) {
	e, reg := newTestEngine(t)

	var calls int32
	mustRegisterTool(t, reg, "flaky", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("boom")
	})

	def := &Definition{
		Name: "retry",
		Steps: []Step{{
			Name: "flaky",
			Tool: "flaky",
			Retry: &RetryConfig{
				Attempts:   3,
				Backoff:    "exponential",
				BaseMs:     1,
				MaxDelayMs: 5,
			},
		}},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "retry", nil, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("tool invoked %d times, want 3", got)
	}
	if res.Status != ExecFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Steps[0].Retries != 2 {
		t.Fatalf("recorded retries = %d, want 2", res.Steps[0].Retries)
	}
}

func TestObserverToldBeforeBackoffWait(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "flaky", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})

	obs := &recordingObserver{}
	e.SetObserver(obs)

	def := &Definition{
		Name:  "obs",
		Steps: []Step{{Name: "flaky", Tool: "flaky", Retry: &RetryConfig{Attempts: 3, BaseMs: 1}}},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(context.Background(), "obs", nil, ExecOptions{}); err != nil {
		t.Fatal(err)
	}

	if got := obs.count(); got != 2 {
		t.Fatalf("observer notified %d times, want 2", got)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []int
}

func (o *recordingObserver) OnRetry(_ string, _ string, attempt int, _ error) {
	o.mu.Lock()
	o.calls = append(o.calls, attempt)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func TestParallelBatchIsolation(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "good", okTool(map[string]interface{}{"value": "kept"}))
	mustRegisterTool(t, reg, "bad", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("sibling down")
	})

	def := &Definition{
		Name: "batch",
		Steps: []Step{
			{Name: "good", Tool: "good", Parallel: true},
			{Name: "bad", Tool: "bad", Parallel: true},
		},
		ErrorHandling: &ErrorHandling{OnError: OnErrorNotify},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "batch", nil, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Steps[0].Status != StepCompleted {
		t.Fatalf("good step = %s", res.Steps[0].Status)
	}
	if res.Steps[1].Status != StepFailed {
		t.Fatalf("bad step = %s", res.Steps[1].Status)
	}
	out, ok := res.Outputs["good"].(map[string]interface{})
	if !ok || out["value"] != "kept" {
		t.Fatalf("successful sibling output missing: %#v", res.Outputs)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestParallelBatchFlushesBeforeSequentialStep(t *testing.T) {
	e, reg := newTestEngine(t)

	var mu sync.Mutex
	var order []string
	slow := func(name string, d time.Duration) func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			time.Sleep(d)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]interface{}{}, nil
		}
	}
	mustRegisterTool(t, reg, "p1", slow("p1", 30*time.Millisecond))
	mustRegisterTool(t, reg, "p2", slow("p2", 5*time.Millisecond))
	mustRegisterTool(t, reg, "seq", slow("seq", 0))

	def := &Definition{
		Name: "flush",
		Steps: []Step{
			{Name: "p1", Tool: "p1", Parallel: true},
			{Name: "p2", Tool: "p2", Parallel: true},
			{Name: "seq", Tool: "seq"},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(context.Background(), "flush", nil, ExecOptions{}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[2] != "seq" {
		t.Fatalf("order = %v, want seq last", order)
	}
}

func TestConditionSkipsStep(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "check", okTool(map[string]interface{}{"status": 503}))
	var alerted bool
	mustRegisterTool(t, reg, "alert", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		alerted = true
		return map[string]interface{}{}, nil
	})
	var celebrated bool
	mustRegisterTool(t, reg, "celebrate", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		celebrated = true
		return map[string]interface{}{}, nil
	})

	def := &Definition{
		Name: "conditional",
		Steps: []Step{
			{Name: "check", Tool: "check"},
			{Name: "alert", Tool: "alert", Condition: "${check.status} != 200"},
			{Name: "celebrate", Tool: "celebrate", Condition: "${check.status} == 200"},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "conditional", nil, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !alerted || celebrated {
		t.Fatalf("alerted=%v celebrated=%v", alerted, celebrated)
	}
	if res.Steps[2].Status != StepSkipped {
		t.Fatalf("celebrate = %s, want skipped", res.Steps[2].Status)
	}
	if res.Status != ExecCompleted {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestFallbackStepRuns(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "primary", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("primary dead")
	})
	mustRegisterTool(t, reg, "backup", okTool(map[string]interface{}{"source": "cache"}))

	def := &Definition{
		Name: "fallback",
		Steps: []Step{
			{Name: "primary", Tool: "primary"},
			{Name: "backup", Tool: "backup", Condition: "false"},
		},
		ErrorHandling: &ErrorHandling{OnError: OnErrorFallback, Fallback: "backup"},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "fallback", nil, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ExecCompleted {
		t.Fatalf("status = %s, errors = %v", res.Status, res.Errors)
	}
	out, ok := res.Outputs["backup"].(map[string]interface{})
	if !ok || out["source"] != "cache" {
		t.Fatalf("fallback output missing: %#v", res.Outputs)
	}
}

func TestStepTimeoutCountsAsFailure(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "hang", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &Definition{
		Name:  "timeout",
		Steps: []Step{{Name: "hang", Tool: "hang", TimeoutMs: 20}},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "timeout", nil, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ExecFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Steps[0].Status != StepFailed {
		t.Fatalf("step = %s", res.Steps[0].Status)
	}
}

func TestPermissionDenied(t *testing.T) {
	e, reg := newTestEngine(t)

	var ran bool
	mustRegisterTool(t, reg, "secret", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		ran = true
		return map[string]interface{}{}, nil
	})
	e.SetAccess(denyAll{})

	def := &Definition{Name: "secure", Steps: []Step{{Name: "secret", Tool: "secret"}}}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "secure", nil, ExecOptions{UserID: "mallory"})
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("tool ran despite denied permission")
	}
	if res.Status != ExecFailed {
		t.Fatalf("status = %s", res.Status)
	}
}

type denyAll struct{}

func (denyAll) CheckPermission(string, string, string) bool { return false }

func TestOutputBindings(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "fetch", okTool(map[string]interface{}{"body": "payload"}))
	var got interface{}
	mustRegisterTool(t, reg, "use", func(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		got = input["data"]
		return map[string]interface{}{}, nil
	})

	def := &Definition{
		Name: "bindings",
		Steps: []Step{
			{Name: "fetch", Tool: "fetch", Output: map[string]string{"document": "${body}"}},
			{Name: "use", Tool: "use", Input: map[string]interface{}{"data": "${document}"}},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(context.Background(), "bindings", nil, ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if got != "payload" {
		t.Fatalf("bound output = %v, want payload", got)
	}
}

func TestStats(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "echo", okTool(map[string]interface{}{}))
	def := &Definition{Name: "s", Steps: []Step{{Name: "a", Tool: "echo"}}}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), "s", nil, ExecOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	st := e.Stats()
	if st.Workflows != 1 {
		t.Fatalf("workflows = %d", st.Workflows)
	}
	if st.Tools == 0 {
		t.Fatal("tools count not reported")
	}
	if st.Executions[ExecCompleted] != 3 {
		t.Fatalf("completed = %d", st.Executions[ExecCompleted])
	}
}

func TestLoadDirRegistersDefinitions(t *testing.T) {
	e, reg := newTestEngine(t)
	mustRegisterTool(t, reg, "echo", okTool(map[string]interface{}{}))

	dir := t.TempDir()
	doc := `
name: from-disk
version: "1"
steps:
  - name: only
    tool: echo
    retry:
      attempts: 2
      backoff: linear
      base_ms: 10
`
	if err := os.WriteFile(filepath.Join(dir, "wf.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := LoadDir(e, dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("loaded = %d", n)
	}
	if _, err := e.Definition("from-disk"); err != nil {
		t.Fatalf("definition not registered: %v", err)
	}

	if n, err := LoadDir(e, filepath.Join(dir, "missing"), zap.NewNop()); err != nil || n != 0 {
		t.Fatalf("missing dir: n=%d err=%v", n, err)
	}
}

func TestExecutionsPolledDuringRetries(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "flaky", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	def := &Definition{
		Name: "churn",
		Steps: []Step{{
			Name: "flaky",
			Tool: "flaky",
			Retry: &RetryConfig{
				Attempts:   10,
				Backoff:    "linear",
				BaseMs:     1,
				MaxDelayMs: 2,
			},
		}},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	// Snapshot the execution list continuously while the step retries.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				e.Executions()
			}
		}
	}()

	res, err := e.Execute(context.Background(), "churn", nil, ExecOptions{})
	close(stop)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ExecFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Steps[0].Retries != 9 {
		t.Fatalf("retries = %d, want 9", res.Steps[0].Retries)
	}
}

func TestCancelTakesEffectAtStepBoundary(t *testing.T) {
	e, reg := newTestEngine(t)

	started := make(chan struct{})
	release := make(chan struct{})
	mustRegisterTool(t, reg, "slow", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-release
		return map[string]interface{}{"done": true}, nil
	})
	var laterCalls int32
	mustRegisterTool(t, reg, "later", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		atomic.AddInt32(&laterCalls, 1)
		return map[string]interface{}{}, nil
	})

	def := &Definition{
		Name: "cancellable",
		Steps: []Step{
			{Name: "slow", Tool: "slow"},
			{Name: "later", Tool: "later"},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	go func() {
		<-started
		for _, r := range e.Executions() {
			if r.Workflow == "cancellable" {
				if err := e.Cancel(r.ExecutionID); err != nil {
					t.Error(err)
				}
			}
		}
		close(release)
	}()

	res, err := e.Execute(context.Background(), "cancellable", nil, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ExecCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	// The in-flight step ran to completion, the next one was never admitted.
	if res.Steps[0].Status != StepCompleted {
		t.Fatalf("slow step = %s, want completed", res.Steps[0].Status)
	}
	if res.Steps[1].Status != StepPending {
		t.Fatalf("later step = %s, want pending", res.Steps[1].Status)
	}
	if atomic.LoadInt32(&laterCalls) != 0 {
		t.Fatal("step after the cancellation boundary must not run")
	}
}

func TestDrainRefusesNewExecutions(t *testing.T) {
	e, reg := newTestEngine(t)

	mustRegisterTool(t, reg, "echo", okTool(map[string]interface{}{}))
	def := &Definition{Name: "d", Steps: []Step{{Name: "a", Tool: "echo"}}}
	if err := e.Register(def); err != nil {
		t.Fatal(err)
	}

	e.Drain()
	if _, err := e.Execute(context.Background(), "d", nil, ExecOptions{}); err == nil {
		t.Fatal("draining engine must refuse new executions")
	}
}
