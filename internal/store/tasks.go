package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/conductor/internal/coordinator"
)

// SaveTask upserts a coordinator task. Called on every status change so
// the row always reflects the latest state.
func (s *Store) SaveTask(ctx context.Context, t *coordinator.Task) error {
	inputJSON, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("marshal task input: %w", err)
	}
	outputJSON, err := json.Marshal(t.Output)
	if err != nil {
		return fmt.Errorf("marshal task output: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, type, description, priority, assigned_to, status, input, output, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			assigned_to = EXCLUDED.assigned_to,
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			retries = EXCLUDED.retries,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Type, t.Description, t.Priority, t.AssignedTo, string(t.Status),
		inputJSON, outputJSON, t.Retries, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// TasksByStatus counts persisted tasks grouped by status.
func (s *Store) TasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
