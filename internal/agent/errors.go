package agent

import "fmt"

// InitError reports a failed integration setup during agent initialization.
// The agent is never registered when initialization fails.
type InitError struct {
	Agent string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize agent %q: %v", e.Agent, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
