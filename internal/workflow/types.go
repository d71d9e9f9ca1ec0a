package workflow

import (
	"time"

	"github.com/nidhogg/conductor/internal/guard"
)

// TriggerSpec declares what starts a workflow. Each kind is wired to an
// external trigger source at registration time.
type TriggerSpec struct {
	Event    string `json:"event,omitempty" yaml:"event,omitempty"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Webhook  string `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// RetryConfig is the wire form of a step's retry policy.
type RetryConfig struct {
	Attempts   int     `json:"attempts" yaml:"attempts"`
	Backoff    string  `json:"backoff" yaml:"backoff"` // linear | exponential
	BaseMs     int     `json:"base_ms" yaml:"base_ms"`
	Factor     float64 `json:"factor" yaml:"factor"`
	MaxDelayMs int     `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// Policy converts the wire form into a guard retry policy.
func (r *RetryConfig) Policy() guard.RetryPolicy {
	p := guard.DefaultRetryPolicy()
	if r == nil {
		p.Attempts = 1
		return p
	}
	if r.Attempts > 0 {
		p.Attempts = r.Attempts
	}
	if r.Backoff == string(guard.BackoffLinear) {
		p.Strategy = guard.BackoffLinear
	}
	if r.BaseMs > 0 {
		p.Base = time.Duration(r.BaseMs) * time.Millisecond
	}
	if r.Factor > 1 {
		p.Factor = r.Factor
	}
	if r.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	return p
}

// Step is one unit of work in a workflow, bound to a tool capability.
type Step struct {
	Name      string                 `json:"name" yaml:"name"`
	Tool      string                 `json:"tool" yaml:"tool"`
	Provider  string                 `json:"provider,omitempty" yaml:"provider,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
	Output    map[string]string      `json:"output,omitempty" yaml:"output,omitempty"`
	Retry     *RetryConfig           `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutMs int                    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Condition string                 `json:"condition,omitempty" yaml:"condition,omitempty"`
	Feature   string                 `json:"feature,omitempty" yaml:"feature,omitempty"`
	Parallel  bool                   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Priority  int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ErrorAction decides the terminal handling of an unabsorbed step failure.
type ErrorAction string

const (
	OnErrorRetry    ErrorAction = "retry"
	OnErrorFallback ErrorAction = "fallback"
	OnErrorFail     ErrorAction = "fail"
	OnErrorNotify   ErrorAction = "notify"
)

// ErrorHandling is the workflow-level error policy.
type ErrorHandling struct {
	OnError  ErrorAction `json:"on_error" yaml:"on_error"`
	Fallback string      `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Retry    int         `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Definition is a declarative workflow. Immutable once registered;
// re-registering the same name replaces it.
type Definition struct {
	Name          string         `json:"name" yaml:"name"`
	Version       string         `json:"version" yaml:"version"`
	Trigger       TriggerSpec    `json:"trigger" yaml:"trigger"`
	Steps         []Step         `json:"steps" yaml:"steps"`
	ErrorHandling *ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
}

// ExecStatus is the lifecycle of one execution.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// StepStatus is the lifecycle of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepExecution records one step's outcome inside an execution.
type StepExecution struct {
	Name      string                 `json:"name"`
	Status    StepStatus             `json:"status"`
	StartedAt time.Time              `json:"started_at,omitempty"`
	EndedAt   time.Time              `json:"ended_at,omitempty"`
	Retries   int                    `json:"retries"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Result is the terminal outcome of one execution. Callers always get one,
// success, failure, or cancellation alike.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Workflow    string                 `json:"workflow"`
	Status      ExecStatus             `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"duration"`
	Steps       []StepExecution        `json:"steps"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Errors      []string               `json:"errors,omitempty"`
}
