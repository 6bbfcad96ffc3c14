// Package store is the sqlite-backed persistent-state store. Agents record
// their state, activity, and tasks here; the supervisor never coordinates
// access beyond opening and closing the handle.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name        TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	role        TEXT NOT NULL,
	model       TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_states (
	agent_name    TEXT PRIMARY KEY,
	instance_id   TEXT NOT NULL,
	current_task  TEXT,
	task_status   TEXT NOT NULL DEFAULT 'idle',
	last_activity TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL,
	assigned_agent TEXT NOT NULL,
	assigned_by    TEXT NOT NULL,
	priority       TEXT NOT NULL DEFAULT 'medium',
	status         TEXT NOT NULL DEFAULT 'assigned',
	created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent);

CREATE TABLE IF NOT EXISTS activities (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name    TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	action        TEXT NOT NULL,
	details       TEXT NOT NULL DEFAULT '{}',
	created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_activities_agent ON activities(agent_name);
`

// Store wraps the sqlite database handle.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Stats summarizes the store contents for the management API.
type Stats struct {
	Agents     int   `json:"agents"`
	States     int   `json:"agent_states"`
	Tasks      int   `json:"tasks"`
	Activities int   `json:"activities"`
	SizeBytes  int64 `json:"size_bytes"`
}

// Stats returns row counts per table and the on-disk database size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"agents", &st.Agents},
		{"agent_states", &st.States},
		{"tasks", &st.Tasks},
		{"activities", &st.Activities},
	}
	for _, c := range counts {
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table+`;`)
		if err := row.Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}
	return st, nil
}
