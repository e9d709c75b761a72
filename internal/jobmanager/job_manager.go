// ============================================================================
// Bulk-Analysis Job Manager - lifecycle state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: Owns the single active BatchJob of one logical operation and
//           enforces its lifecycle transitions
//
// State machine:
//   idle
//     ↓ Begin()
//   running
//     ↓ Finish(completed | failed | timed-out | cancelled)
//   terminal
//     ↓ Reset()            (explicit dismiss only, never automatic)
//   idle
//
// Transition rules:
//   - Begin while running  → ErrAlreadyRunning (no queueing, no merging)
//   - Begin while terminal → ErrNotIdle (the previous result must be dismissed)
//   - Finish only from running, only to a terminal state
//   - Reset only from a terminal state (idle → idle is a no-op)
//
// History:
//   Every finished job is kept by ID with its terminal state, so Stats() can
//   report how many jobs ended in each state.
//
// Concurrency:
//   sync.RWMutex guards all fields; reads use RLock.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrJobNotFound is returned when the job ID is not the active job.
	ErrJobNotFound = errors.New("job not found")
)

// transitions lists the allowed target states of each state.
var transitions = map[types.State][]types.State{
	types.StateIdle:      {types.StateRunning},
	types.StateRunning:   {types.StateCompleted, types.StateFailed, types.StateTimedOut, types.StateCancelled},
	types.StateCompleted: {types.StateIdle},
	types.StateFailed:    {types.StateIdle},
	types.StateTimedOut:  {types.StateIdle},
	types.StateCancelled: {types.StateIdle},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to types.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ============================================================================
// Data Structures
// ============================================================================

// Job is the lifecycle record of one BatchJob.
type Job struct {
	ID         types.JobID `json:"id"`
	Mode       types.Mode  `json:"mode"`
	Total      int         `json:"total"`
	State      types.State `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

// Manager owns the active job of one logical operation.
type Manager struct {
	mu      sync.RWMutex
	state   types.State
	current *Job
	history map[types.JobID]*Job
}

// ============================================================================
// Core Methods
// ============================================================================

// NewManager creates an idle manager.
func NewManager() *Manager {
	return &Manager{
		state:   types.StateIdle,
		history: make(map[types.JobID]*Job),
	}
}

// Begin makes job the running job.
//
// Errors:
//   - ErrAlreadyRunning: another job is running
//   - ErrNotIdle: a terminal job has not been reset yet
func (m *Manager) Begin(id types.JobID, mode types.Mode, total int) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == types.StateRunning:
		return Job{}, fmt.Errorf("%w: %s", types.ErrAlreadyRunning, m.current.ID)
	case m.state.IsTerminal():
		return Job{}, fmt.Errorf("%w: %s is %s", types.ErrNotIdle, m.current.ID, m.state)
	}

	job := &Job{
		ID:        id,
		Mode:      mode,
		Total:     total,
		State:     types.StateRunning,
		CreatedAt: time.Now(),
	}
	m.current = job
	m.state = types.StateRunning
	return *job, nil
}

// Finish moves the running job id to the terminal state to.
func (m *Manager) Finish(id types.JobID, to types.State) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.ID != id {
		return Job{}, ErrJobNotFound
	}
	if !to.IsTerminal() || !CanTransition(m.state, to) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}

	m.current.State = to
	m.current.FinishedAt = time.Now()
	m.state = to

	done := *m.current
	m.history[id] = &done
	return done, nil
}

// Reset dismisses a terminal job and returns to idle.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == types.StateIdle {
		return nil
	}
	if !CanTransition(m.state, types.StateIdle) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, types.StateIdle)
	}

	m.state = types.StateIdle
	m.current = nil
	return nil
}

// ============================================================================
// Query Methods
// ============================================================================

// State returns the lifecycle state.
func (m *Manager) State() types.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the active (running or undismissed terminal) job.
func (m *Manager) Current() (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Job{}, false
	}
	return *m.current, true
}

// GetJob returns a finished job by ID.
func (m *Manager) GetJob(id types.JobID) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.history[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Stats counts finished jobs by terminal state, plus the running job.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		string(types.StateRunning):   0,
		string(types.StateCompleted): 0,
		string(types.StateFailed):    0,
		string(types.StateTimedOut):  0,
		string(types.StateCancelled): 0,
	}
	if m.state == types.StateRunning {
		stats[string(types.StateRunning)] = 1
	}
	for _, job := range m.history {
		stats[string(job.State)]++
	}
	return stats
}
