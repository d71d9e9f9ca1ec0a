package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/conductor/internal/workflow"
)

// SaveExecution upserts a finished execution and its step records.
func (s *Store) SaveExecution(ctx context.Context, res *workflow.Result) error {
	stepsJSON, err := json.Marshal(res.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	outputsJSON, err := json.Marshal(res.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	errorsJSON, err := json.Marshal(res.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, workflow, status, started_at, duration_ms, steps, outputs, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			duration_ms = EXCLUDED.duration_ms,
			steps = EXCLUDED.steps,
			outputs = EXCLUDED.outputs,
			errors = EXCLUDED.errors`,
		res.ExecutionID, res.Workflow, string(res.Status),
		res.StartedAt, res.Duration.Milliseconds(),
		stepsJSON, outputsJSON, errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// ExecutionRecord is one persisted execution row.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Errors     []string  `json:"errors,omitempty"`
}

// ListExecutions returns persisted executions for a workflow, newest first.
// An empty workflow name lists across all workflows.
func (s *Store) ListExecutions(ctx context.Context, workflowName string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, workflow, status, started_at, duration_ms, errors
		FROM executions
		WHERE ($1 = '' OR workflow = $1)
		ORDER BY started_at DESC
		LIMIT $2`, workflowName, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var errorsJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Workflow, &rec.Status, &rec.StartedAt, &rec.DurationMs, &errorsJSON); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if len(errorsJSON) > 0 {
			json.Unmarshal(errorsJSON, &rec.Errors)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
