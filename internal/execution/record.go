package execution

import (
	"os/exec"
	"time"
)

// State is the lifecycle state of a tracked execution.
type State string

const (
	StateQueued    State = "Queued"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// Terminal reports whether no further transitions follow this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// record is the manager's private view of one tracked execution. It is
// owned exclusively by the Manager and guarded by its mutex.
type record struct {
	id        string
	job       Job
	state     State
	startedAt time.Time
	endedAt   time.Time
	exitCode  int
	hasExit   bool

	cmd    *exec.Cmd
	output *OutputBuffer

	cancelRequested bool
	// done is closed once the process exit has been observed; the kill
	// escalation waits on it.
	done chan struct{}
}

// Snapshot is the externally visible view of an execution.
type Snapshot struct {
	ID        string     `json:"executionId"`
	Name      string     `json:"name,omitempty"`
	State     State      `json:"state"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	PID       int        `json:"pid,omitempty"`
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		ID:        r.id,
		Name:      r.job.Name,
		State:     r.state,
		StartedAt: r.startedAt,
	}
	if !r.endedAt.IsZero() {
		ended := r.endedAt
		s.EndedAt = &ended
	}
	if r.hasExit {
		code := r.exitCode
		s.ExitCode = &code
	}
	if r.cmd != nil && r.cmd.Process != nil {
		s.PID = r.cmd.Process.Pid
	}
	return s
}
