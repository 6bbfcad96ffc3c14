package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is a row in the agents table: one entry per roster name,
// updated each time the agent is (re)initialized.
type AgentRecord struct {
	Name       string    `json:"name"`
	InstanceID string    `json:"instance_id"`
	Role       string    `json:"role"`
	Model      string    `json:"model"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AgentState is the per-agent runtime state persisted across restarts.
type AgentState struct {
	AgentName    string    `json:"agent_name"`
	InstanceID   string    `json:"instance_id"`
	CurrentTask  string    `json:"current_task,omitempty"`
	TaskStatus   string    `json:"task_status"`
	LastActivity time.Time `json:"last_activity"`
}

// Activity is one row of the append-only activity log.
type Activity struct {
	ID           int64          `json:"id"`
	AgentName    string         `json:"agent_name"`
	ActivityType string         `json:"activity_type"`
	Action       string         `json:"action"`
	Details      map[string]any `json:"details"`
	CreatedAt    time.Time      `json:"created_at"`
}

// UpsertAgent inserts or replaces the agents-table row for rec.Name.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, instance_id, role, model, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			instance_id = excluded.instance_id,
			role = excluded.role,
			model = excluded.model,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP;
	`, rec.Name, rec.InstanceID, rec.Role, rec.Model, rec.Status)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// UpdateAgentStatus sets the status field for the named agent.
func (s *Store) UpdateAgentStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
	`, status, name)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update agent status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q not recorded", name)
	}
	return nil
}

// Agent returns the agents-table row for name, or nil when absent.
func (s *Store) Agent(ctx context.Context, name string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT name, instance_id, role, model, status, created_at, updated_at
		FROM agents WHERE name = ?;
	`, name).Scan(&rec.Name, &rec.InstanceID, &rec.Role, &rec.Model,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// SaveState inserts or replaces the state row for st.AgentName.
func (s *Store) SaveState(ctx context.Context, st AgentState) error {
	if st.TaskStatus == "" {
		st.TaskStatus = "idle"
	}
	if st.LastActivity.IsZero() {
		st.LastActivity = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_states (agent_name, instance_id, current_task, task_status, last_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET
			instance_id = excluded.instance_id,
			current_task = excluded.current_task,
			task_status = excluded.task_status,
			last_activity = excluded.last_activity,
			updated_at = CURRENT_TIMESTAMP;
	`, st.AgentName, st.InstanceID, st.CurrentTask, st.TaskStatus, st.LastActivity)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// State returns the persisted state for the named agent, or nil when absent.
func (s *Store) State(ctx context.Context, agentName string) (*AgentState, error) {
	var st AgentState
	var currentTask sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_name, instance_id, current_task, task_status, last_activity
		FROM agent_states WHERE agent_name = ?;
	`, agentName).Scan(&st.AgentName, &st.InstanceID, &currentTask, &st.TaskStatus, &st.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get state: %w", err)
	}
	st.CurrentTask = currentTask.String
	return &st, nil
}

// RecordActivity appends one row to the activity log. Details are stored as JSON.
func (s *Store) RecordActivity(ctx context.Context, agentName, activityType, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	blob, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (agent_name, activity_type, action, details)
		VALUES (?, ?, ?, ?);
	`, agentName, activityType, action, string(blob))
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Activities returns the newest activity rows for the named agent.
func (s *Store) Activities(ctx context.Context, agentName string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, activity_type, action, details, created_at
		FROM activities WHERE agent_name = ?
		ORDER BY id DESC LIMIT ?;
	`, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var blob string
		if err := rows.Scan(&a.ID, &a.AgentName, &a.ActivityType, &a.Action, &blob, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &a.Details); err != nil {
			a.Details = map[string]any{"raw": blob}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: iterate: %w", err)
	}
	return out, nil
}
