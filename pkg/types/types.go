// Package types defines the core domain model shared by the bulk-analysis coordinator.
package types

import (
	"time"
)

// JobID uniquely identifies one BatchJob.
type JobID string

// Mode selects how a BatchJob is coordinated.
type Mode string

const (
	ModeSync         Mode = "sync"          // caller awaits bounded batches directly
	ModeAsyncSession Mode = "async-session" // remote job, polled until terminal
)

// Valid reports whether m names a supported mode.
func (m Mode) Valid() bool {
	return m == ModeSync || m == ModeAsyncSession
}

// State is the lifecycle state of a BatchJob.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed-out"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further automatic transitions can occur.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// WorkUnit is one record submitted for analysis. It is never mutated once enqueued.
type WorkUnit[P any] struct {
	ID      string `json:"id"`
	Payload P      `json:"payload"`
}

// BatchJob is one end-to-end bulk-analysis invocation.
type BatchJob[P any] struct {
	ID        JobID         `json:"id"`
	Mode      Mode          `json:"mode"`
	Units     []WorkUnit[P] `json:"units"`
	BatchSize int           `json:"batch_size"`
	CreatedAt time.Time     `json:"created_at"`
	State     State         `json:"state"`
}

// ProgressSnapshot is an immutable view of job progress.
// Processed counts units in a terminal per-unit state (successes and failures),
// Completed counts successes only.
type ProgressSnapshot struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Done reports whether every unit has been processed.
func (p ProgressSnapshot) Done() bool {
	return p.Processed == p.Total
}

// UnitOutcome records how the analysis of one WorkUnit resolved.
type UnitOutcome struct {
	UnitID   string        `json:"unit_id"`
	Success  bool          `json:"success"`
	Result   any           `json:"result,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RemoteState is the status reported by a remote analysis session.
type RemoteState string

const (
	RemoteInProgress RemoteState = "in-progress"
	RemoteCompleted  RemoteState = "completed"
	RemoteError      RemoteState = "error"
)

// IsTerminal reports whether polling should stop.
func (s RemoteState) IsTerminal() bool {
	return s == RemoteCompleted || s == RemoteError
}

// RemoteStatus is one poll response. Processed and Total are optional hints.
type RemoteStatus struct {
	State     RemoteState   `json:"status"`
	Processed *int          `json:"processed,omitempty"`
	Total     *int          `json:"total,omitempty"`
	Result    any           `json:"result,omitempty"`
	Outcomes  []UnitOutcome `json:"outcomes,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// JobResult is the immutable summary of a terminal BatchJob.
type JobResult struct {
	JobID        JobID         `json:"job_id"`
	SessionID    string        `json:"session_id,omitempty"`
	Mode         Mode          `json:"mode"`
	Status       State         `json:"status"`
	Outcomes     []UnitOutcome `json:"outcomes"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Total        int           `json:"total"`
	RemoteResult any           `json:"remote_result,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Duration returns how long the job ran.
func (r JobResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
