package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned for a bad batch size, mode or unit set.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrAlreadyRunning is returned when start is invoked while a job is running.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrNotIdle is returned when start is invoked before a terminal job was reset.
	ErrNotIdle = errors.New("previous job not dismissed")
	// ErrNoJob is returned when there is no job to wait for or cancel.
	ErrNoJob = errors.New("no job")
	// ErrSessionStartFailure is returned when the remote accepts no session.
	ErrSessionStartFailure = errors.New("session start failure")
	// ErrRemote is returned when the remote reports the job failed.
	ErrRemote = errors.New("remote reported error")
	// ErrTimeout is returned when the session deadline elapses without a terminal status.
	ErrTimeout = errors.New("analysis taking longer than expected")
	// ErrCancelled is returned after an explicit caller cancellation.
	ErrCancelled = errors.New("job cancelled")
)

// UnitError is a recorded, non-fatal failure of a single unit's analysis.
type UnitError struct {
	UnitID string
	Err    error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %s: %v", e.UnitID, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// PollTransportError is a network-level failure of a single poll tick.
// Polling continues after it is logged.
type PollTransportError struct {
	SessionID string
	Err       error
}

func (e *PollTransportError) Error() string {
	return fmt.Sprintf("poll session %s: %v", e.SessionID, e.Err)
}

func (e *PollTransportError) Unwrap() error {
	return e.Err
}

// StateForError maps a job-fatal error to the terminal state it forces.
func StateForError(err error) State {
	switch {
	case err == nil:
		return StateCompleted
	case errors.Is(err, ErrCancelled):
		return StateCancelled
	case errors.Is(err, ErrTimeout):
		return StateTimedOut
	default:
		return StateFailed
	}
}
