package tool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/coordinator"
)

// AgentTaskTool hands a workflow step off to the agent coordinator as a
// queued task. The step completes as soon as the task is accepted; the
// assigned agent reports progress through the coordinator, not the engine.
type AgentTaskTool struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewAgentTaskTool wraps a coordinator as an engine tool.
func NewAgentTaskTool(coord *coordinator.Coordinator, logger *zap.Logger) *AgentTaskTool {
	return &AgentTaskTool{coord: coord, logger: logger}
}

func (t *AgentTaskTool) Name() string { return "agent.task" }

// Execute creates a coordinator task from the step input. Required key:
// "type". Optional: "description", "priority" (number), "assignee",
// "deadline_ms" (number), "input" (map handed to the agent).
func (t *AgentTaskTool) Execute(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	taskType, _ := input["type"].(string)
	if taskType == "" {
		return nil, fmt.Errorf("agent.task requires a type")
	}
	description, _ := input["description"].(string)

	opts := coordinator.TaskOptions{}
	if p, ok := asInt(input["priority"]); ok {
		opts.Priority = p
	}
	if a, ok := input["assignee"].(string); ok {
		opts.Assignee = a
	}
	if d, ok := asInt(input["deadline_ms"]); ok && d > 0 {
		deadline := time.Now().Add(time.Duration(d) * time.Millisecond)
		opts.Deadline = &deadline
	}

	taskInput, _ := input["input"].(map[string]interface{})

	id, err := t.coord.CreateTask(taskType, description, taskInput, opts)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	task, err := t.coord.Task(id)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("task delegated",
		zap.String("task", id),
		zap.String("type", taskType),
		zap.String("assigned_to", task.AssignedTo))

	return map[string]interface{}{
		"task_id":     id,
		"status":      string(task.Status),
		"assigned_to": task.AssignedTo,
	}, nil
}

// asInt accepts the numeric shapes JSON and YAML decoding produce.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
