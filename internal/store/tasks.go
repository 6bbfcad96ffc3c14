package store

import (
	"context"
	"fmt"
	"time"
)

// Task statuses mirror the assignment lifecycle: assigned → working → completed.
const (
	TaskStatusAssigned  = "assigned"
	TaskStatusWorking   = "working"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
)

// Task is a work item assigned to an agent.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	AssignedAgent string    `json:"assigned_agent"`
	AssignedBy    string    `json:"assigned_by"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StoreTask inserts a new task row.
func (s *Store) StoreTask(ctx context.Context, t Task) error {
	if t.Priority == "" {
		t.Priority = "medium"
	}
	if t.Status == "" {
		t.Status = TaskStatusAssigned
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, assigned_agent, assigned_by, priority, status)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.Title, t.Description, t.AssignedAgent, t.AssignedBy, t.Priority, t.Status)
	if err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// UpdateTaskStatus moves a task to the given status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update task status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

// TasksForAgent returns the agent's tasks, optionally filtered by status,
// newest first.
func (s *Store) TasksForAgent(ctx context.Context, agent, status string) ([]Task, error) {
	query := `
		SELECT id, title, description, assigned_agent, assigned_by, priority, status, created_at, updated_at
		FROM tasks WHERE assigned_agent = ?`
	args := []any{agent}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.AssignedAgent,
			&t.AssignedBy, &t.Priority, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}
