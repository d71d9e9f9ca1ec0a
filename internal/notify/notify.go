package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity orders notifications for channel routing and display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator-facing message about the control plane.
type Notification struct {
	Severity Severity
	Title    string
	Body     string
	Workflow string
	Worker   string
	At       time.Time
}

// Sink delivers notifications to one destination.
type Sink interface {
	Platform() string
	Send(ctx context.Context, n *Notification) error
}

// Notifier fans a notification out to every configured sink. Delivery is
// best-effort: a failing sink is logged and the rest still receive the
// message.
type Notifier struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *zap.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// AddSink registers a delivery destination.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
	n.logger.Info("notification sink added", zap.String("platform", s.Platform()))
}

// Sinks returns the configured platform names.
func (n *Notifier) Sinks() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		out = append(out, s.Platform())
	}
	return out
}

// Notify delivers to all sinks concurrently and waits for them.
func (n *Notifier) Notify(ctx context.Context, msg *Notification) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	n.mu.RLock()
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, msg); err != nil {
				n.logger.Error("notification delivery failed",
					zap.String("platform", s.Platform()),
					zap.String("title", msg.Title),
					zap.Error(err))
			}
		}(s)
	}
	wg.Wait()
}

// WorkflowFailed reports a terminally failed execution.
func (n *Notifier) WorkflowFailed(ctx context.Context, workflowName, executionID string, errs []string) {
	body := "execution " + executionID
	if len(errs) > 0 {
		body += ": " + errs[len(errs)-1]
	}
	n.Notify(ctx, &Notification{
		Severity: SeverityCritical,
		Title:    "workflow failed: " + workflowName,
		Body:     body,
		Workflow: workflowName,
	})
}

// CircuitOpen reports a worker circuit breaker tripping.
func (n *Notifier) CircuitOpen(ctx context.Context, worker string) {
	n.Notify(ctx, &Notification{
		Severity: SeverityWarning,
		Title:    "circuit open: " + worker,
		Body:     "worker " + worker + " is failing fast, calls rejected until recovery",
		Worker:   worker,
	})
}

// WorkerDown reports a worker that lost its health probes.
func (n *Notifier) WorkerDown(ctx context.Context, worker, reason string) {
	n.Notify(ctx, &Notification{
		Severity: SeverityCritical,
		Title:    "worker down: " + worker,
		Body:     reason,
		Worker:   worker,
	})
}
