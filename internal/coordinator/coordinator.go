package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownAgent is returned when a message targets an unregistered agent.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownTask is returned for operations on a missing task id.
	ErrUnknownTask = errors.New("unknown task")

	// ErrRetriesExhausted is returned when a failed task cannot be resubmitted.
	ErrRetriesExhausted = errors.New("task retries exhausted")
)

// Persister optionally records tasks for later inspection. Best-effort:
// persistence failures are logged, never surfaced to coordination callers.
type Persister interface {
	SaveTask(ctx context.Context, t *Task) error
}

// SendOptions tune a single message.
type SendOptions struct {
	Priority int
	TTL      time.Duration
}

// TaskOptions tune task creation.
type TaskOptions struct {
	Priority   int
	Deadline   *time.Time
	Assignee   string
	MaxRetries int
}

// Coordinator owns the agent registry, per-agent message queues, and the
// task ledger. All state is memory-resident and mutex-guarded; messages do
// not survive a restart.
type Coordinator struct {
	mu      sync.Mutex
	agents  map[string]*Agent
	queues  map[string][]*Message
	tasks   map[string]*Task
	nextOrd int

	sweepInterval time.Duration
	persist       Persister
	now           func() time.Time
	logger        *zap.Logger
}

// New creates a coordinator. sweepInterval bounds how long expired messages
// linger; <=0 falls back to 30s.
func New(sweepInterval time.Duration, logger *zap.Logger) *Coordinator {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Coordinator{
		agents:        make(map[string]*Agent),
		queues:        make(map[string][]*Message),
		tasks:         make(map[string]*Task),
		sweepInterval: sweepInterval,
		now:           time.Now,
		logger:        logger,
	}
}

// SetPersister wires optional task persistence.
func (c *Coordinator) SetPersister(p Persister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persist = p
}

// RegisterAgent adds an agent to the registry. Re-registering an id updates
// its capabilities and brings it online, preserving registration order.
func (c *Coordinator) RegisterAgent(id, name string, capabilities []string) *Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.agents[id]; ok {
		existing.Name = name
		existing.Capabilities = capabilities
		existing.Status = AgentOnline
		return existing
	}

	a := &Agent{
		ID:           id,
		Name:         name,
		Capabilities: capabilities,
		Status:       AgentOnline,
		RegisteredAt: c.now(),
		order:        c.nextOrd,
	}
	c.nextOrd++
	c.agents[id] = a
	c.queues[id] = nil
	c.logger.Info("agent registered",
		zap.String("agent", id),
		zap.Strings("capabilities", capabilities))
	return a
}

// SetAgentStatus marks an agent online or offline.
func (c *Coordinator) SetAgentStatus(id string, status AgentStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	a.Status = status
	return nil
}

// Agents returns all registered agents in registration order.
func (c *Coordinator) Agents() []*Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Send queues a message on the target agent's queue, highest priority first.
func (c *Coordinator) Send(from, to, subject string, payload map[string]interface{}, opts SendOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.agents[to]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, to)
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageRequest,
		From:      from,
		To:        to,
		Subject:   subject,
		Payload:   payload,
		Timestamp: c.now(),
		TTL:       opts.TTL,
		Priority:  opts.Priority,
	}
	c.enqueue(to, msg)
	return msg.ID, nil
}

// enqueue appends and re-sorts by descending priority, ties by arrival time.
// Caller holds the lock.
func (c *Coordinator) enqueue(agentID string, msg *Message) {
	q := append(c.queues[agentID], msg)
	sort.SliceStable(q, func(i, j int) bool { return q[i].Priority > q[j].Priority })
	c.queues[agentID] = q
}

// Broadcast delivers a copy of the message to every registered agent except
// those excluded. Partial-failure tolerant: an undeliverable recipient is
// logged and skipped, the rest still receive the message.
func (c *Coordinator) Broadcast(from, subject string, payload map[string]interface{}, exclude []string, opts SendOptions) []string {
	skip := make(map[string]bool, len(exclude)+1)
	for _, id := range exclude {
		skip[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.queues))
	for _, a := range c.agents {
		if skip[a.ID] || a.ID == from {
			continue
		}
		msg := &Message{
			ID:        uuid.New().String(),
			Type:      MessageBroadcast,
			From:      from,
			Subject:   subject,
			Payload:   payload,
			Timestamp: c.now(),
			TTL:       opts.TTL,
			Priority:  opts.Priority,
		}
		c.enqueue(a.ID, msg)
		ids = append(ids, msg.ID)
	}
	return ids
}

// Receive pops up to limit unexpired messages for the agent, highest
// priority first. Expired messages are dropped lazily here.
func (c *Coordinator) Receive(agentID string, limit int) ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.agents[agentID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if limit <= 0 {
		limit = 10
	}

	now := c.now()
	q := c.queues[agentID]
	live := q[:0]
	var out []*Message
	for _, m := range q {
		if m.Expired(now) {
			continue
		}
		if len(out) < limit {
			out = append(out, m)
			continue
		}
		live = append(live, m)
	}
	c.queues[agentID] = live
	return out, nil
}

// CreateTask records a task and auto-assigns it when no assignee is given:
// the online agent declaring the task type with the fewest in-progress tasks
// wins, ties broken by registration order. With no capable agent the task
// simply stays pending and unassigned.
func (c *Coordinator) CreateTask(taskType, description string, input map[string]interface{}, opts TaskOptions) (string, error) {
	c.mu.Lock()

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	t := &Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Description: description,
		Priority:    opts.Priority,
		AssignedTo:  opts.Assignee,
		Status:      TaskPending,
		Input:       input,
		MaxRetries:  maxRetries,
		Deadline:    opts.Deadline,
		CreatedAt:   c.now(),
		UpdatedAt:   c.now(),
	}

	if t.AssignedTo == "" {
		if a := c.leastLoadedFor(taskType); a != nil {
			t.AssignedTo = a.ID
		}
	}
	c.tasks[t.ID] = t

	if t.AssignedTo != "" {
		c.logger.Info("task assigned",
			zap.String("task", t.ID),
			zap.String("type", taskType),
			zap.String("agent", t.AssignedTo))
	} else {
		c.logger.Info("task created unassigned",
			zap.String("task", t.ID),
			zap.String("type", taskType))
	}
	persist := c.persist
	c.mu.Unlock()

	if persist != nil {
		if err := persist.SaveTask(context.Background(), t); err != nil {
			c.logger.Warn("task persistence failed", zap.String("task", t.ID), zap.Error(err))
		}
	}
	return t.ID, nil
}

// leastLoadedFor picks the assignment target. Caller holds the lock.
func (c *Coordinator) leastLoadedFor(taskType string) *Agent {
	var best *Agent
	bestLoad := 0
	for _, a := range c.agents {
		if a.Status != AgentOnline || !a.HasCapability(taskType) {
			continue
		}
		load := c.loadLocked(a.ID)
		if best == nil || load < bestLoad || (load == bestLoad && a.order < best.order) {
			best = a
			bestLoad = load
		}
	}
	return best
}

func (c *Coordinator) loadLocked(agentID string) int {
	n := 0
	for _, t := range c.tasks {
		if t.AssignedTo == agentID && t.Status == TaskInProgress {
			n++
		}
	}
	return n
}

// AgentLoad returns an agent's count of in-progress tasks.
func (c *Coordinator) AgentLoad(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(agentID)
}

// Task returns a copy of the task record.
func (c *Coordinator) Task(id string) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	cp := *t
	return &cp, nil
}

// Tasks returns all tasks, newest first.
func (c *Coordinator) Tasks() []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UpdateTaskStatus moves a task to a new status, merging any output. The
// retry decision on failure belongs to the caller (see Resubmit).
func (c *Coordinator) UpdateTaskStatus(id string, status TaskStatus, output map[string]interface{}) error {
	if !status.Valid() {
		return fmt.Errorf("unknown task status %q", status)
	}

	c.mu.Lock()

	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.Status = status
	t.UpdatedAt = c.now()
	if output != nil {
		t.Output = output
	}
	persist := c.persist
	cp := *t
	c.mu.Unlock()

	if persist != nil {
		if err := persist.SaveTask(context.Background(), &cp); err != nil {
			c.logger.Warn("task persistence failed", zap.String("task", id), zap.Error(err))
		}
	}
	return nil
}

// Resubmit increments a failed task's retry counter and requeues it as
// pending with a fresh assignment, or returns ErrRetriesExhausted once the
// budget is spent (the task then stays failed).
func (c *Coordinator) Resubmit(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != TaskFailed {
		return fmt.Errorf("task %s is %s, only failed tasks can be resubmitted", id, t.Status)
	}
	if t.Retries >= t.MaxRetries {
		return fmt.Errorf("%w: %s (%d/%d)", ErrRetriesExhausted, id, t.Retries, t.MaxRetries)
	}

	t.Retries++
	t.Status = TaskPending
	t.AssignedTo = ""
	if a := c.leastLoadedFor(t.Type); a != nil {
		t.AssignedTo = a.ID
	}
	t.UpdatedAt = c.now()
	return nil
}

// Sweep purges expired messages from every queue and returns the purge count.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for id, q := range c.queues {
		live := q[:0]
		for _, m := range q {
			if m.Expired(now) {
				purged++
				continue
			}
			live = append(live, m)
		}
		c.queues[id] = live
	}
	if purged > 0 {
		c.logger.Debug("swept expired messages", zap.Int("purged", purged))
	}
	return purged
}

// Run sweeps expired messages on the configured interval until ctx ends.
// This is the coordinator's only autonomous background activity.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns the coordinator's operational snapshot.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Agents: len(c.agents), Tasks: make(map[TaskStatus]int)}
	for _, a := range c.agents {
		if a.Status == AgentOnline {
			s.OnlineAgents++
		}
	}
	for _, q := range c.queues {
		s.QueuedMessages += len(q)
	}
	for _, t := range c.tasks {
		s.Tasks[t.Status]++
	}
	return s
}
