package tool

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/supervisor"
)

// WorkerInvoker speaks a worker's native protocol. External collaborator:
// the tool layer never knows how a worker is actually called.
type WorkerInvoker interface {
	Invoke(ctx context.Context, worker *supervisor.Descriptor, capability string, input map[string]interface{}) (map[string]interface{}, error)
}

// WorkerTool routes a capability to whichever healthy worker the supervisor
// selects, under that worker's rate limiter and circuit breaker.
type WorkerTool struct {
	capability string
	sup        *supervisor.Supervisor
	invoker    WorkerInvoker
	logger     *zap.Logger
}

// NewWorkerTool binds a capability name to the supervisor's fleet.
func NewWorkerTool(capability string, sup *supervisor.Supervisor, invoker WorkerInvoker, logger *zap.Logger) *WorkerTool {
	return &WorkerTool{
		capability: capability,
		sup:        sup,
		invoker:    invoker,
		logger:     logger,
	}
}

func (t *WorkerTool) Name() string { return t.capability }

// Execute selects a running worker for the capability and invokes it. A
// selection miss surfaces immediately as a capacity error; invocation runs
// under the worker's guards.
func (t *WorkerTool) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	d, err := t.sup.Select(t.capability)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	err = t.sup.Invoke(ctx, d.Name, func(ctx context.Context) error {
		var ierr error
		out, ierr = t.invoker.Invoke(ctx, d, t.capability, input)
		return ierr
	})
	if err != nil {
		return nil, fmt.Errorf("capability %s via worker %s: %w", t.capability, d.Name, err)
	}

	t.logger.Debug("worker tool executed",
		zap.String("capability", t.capability),
		zap.String("worker", d.Name))
	return out, nil
}
