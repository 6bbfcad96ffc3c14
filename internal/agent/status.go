package agent

import "time"

// Status describes the externally visible lifecycle state of an agent name.
type Status string

const (
	StatusRunning    Status = "running"
	StatusNotRunning Status = "not_running"
	StatusError      Status = "error"
)

// StatusSnapshot is a point-in-time health report for one agent. It is
// always computed fresh from the live handle, never cached.
type StatusSnapshot struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Detail        string    `json:"detail,omitempty"`
	InstanceID    string    `json:"instance_id,omitempty"`
	UptimeSeconds float64   `json:"uptime_seconds,omitempty"`
	Integrations  []string  `json:"integrations,omitempty"`
}

func notRunning(name string) StatusSnapshot {
	return StatusSnapshot{Name: name, Status: StatusNotRunning, Timestamp: time.Now().UTC()}
}
