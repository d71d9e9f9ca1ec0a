package coordinator

import (
	"time"
)

// AgentStatus tracks whether an agent can accept work.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// Agent is a logical actor that receives messages and task assignments.
// Distinct from a supervisor worker: agents are endpoints of coordination,
// workers are units of process capacity.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`

	order int
}

// HasCapability reports whether the agent declares the given task type.
func (a *Agent) HasCapability(taskType string) bool {
	for _, c := range a.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// MessageType categorizes agent messages.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
	MessageBroadcast    MessageType = "broadcast"
)

// Message is a memory-resident inter-agent message. Messages expire once
// now − timestamp ≥ TTL and are dropped on read or by the periodic sweep.
type Message struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	From      string                 `json:"from"`
	To        string                 `json:"to,omitempty"` // empty means broadcast
	Subject   string                 `json:"subject"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	TTL       time.Duration          `json:"ttl"`
	Priority  int                    `json:"priority"`
}

// Expired reports whether the message's time-to-live has elapsed.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.Timestamp) >= m.TTL
}

// TaskStatus tracks a coordinated task's execution state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is a coordinated unit of work, auto-assigned to the least-loaded
// capable agent when no assignee is given.
type Task struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Priority    int                    `json:"priority"`
	AssignedTo  string                 `json:"assigned_to,omitempty"`
	Status      TaskStatus             `json:"status"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Retries     int                    `json:"retries"`
	MaxRetries  int                    `json:"max_retries"`
	Deadline    *time.Time             `json:"deadline,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Stats is the coordinator's operational snapshot.
type Stats struct {
	Agents         int                `json:"agents"`
	OnlineAgents   int                `json:"online_agents"`
	QueuedMessages int                `json:"queued_messages"`
	Tasks          map[TaskStatus]int `json:"tasks"`
}
