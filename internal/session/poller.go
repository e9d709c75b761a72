// ============================================================================
// Bulk-Analysis Session Poller
// ============================================================================
//
// Package: internal/session
// File: poller.go
// Function: Starts a server-side analysis session and polls it until terminal
//
// Poll loop:
//   Start() ──> sessionID
//   Watch():
//     ctx' = WithTimeoutCause(ctx, timeout, ErrTimeout)   // one token for
//     ticker(interval)                                    // both the ticker
//     loop:                                               // and the deadline
//       <-ctx'.Done()  → ErrTimeout | ErrCancelled
//       <-ticker       → PollSession
//          transport error → log, keep polling
//          in-progress     → forward hints, keep polling
//          completed       → return status
//          error           → ErrRemote
//
// Timeout:
//   The deadline stops this watcher only. The remote job may still be
//   running; the caller decides whether to ask the remote to cancel it.
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

const (
	// DefaultPollInterval is the fixed delay between two polls.
	DefaultPollInterval = 2 * time.Second
	// DefaultTimeout is the overall deadline measured from session start.
	DefaultTimeout = 5 * time.Minute
)

// Client is the remote side of async-session mode.
type Client[P any] interface {
	// StartSession begins a server-tracked bulk job.
	StartSession(ctx context.Context, units []types.WorkUnit[P]) (string, error)
	// PollSession is an idempotent status check.
	PollSession(ctx context.Context, sessionID string) (types.RemoteStatus, error)
}

// Canceller is implemented by clients able to stop a remote session.
type Canceller interface {
	CancelSession(ctx context.Context, sessionID string) error
}

// TransportRecorder counts poll ticks that failed at the transport level.
type TransportRecorder interface {
	RecordPollTransportError()
}

// PollState is the bookkeeping of one watched session.
type PollState struct {
	SessionID       string
	Interval        time.Duration
	StartedAt       time.Time
	Deadline        time.Time
	Elapsed         time.Duration
	Polls           int
	TransportErrors int
	LastStatus      types.RemoteStatus
}

// Poller drives one session at a time.
type Poller[P any] struct {
	client   Client[P]
	interval time.Duration
	timeout  time.Duration
	recorder TransportRecorder
	logger   *slog.Logger
}

// Option configures a Poller.
type Option[P any] func(*Poller[P])

// WithInterval sets the poll interval.
func WithInterval[P any](d time.Duration) Option[P] {
	return func(p *Poller[P]) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTimeout sets the overall session deadline.
func WithTimeout[P any](d time.Duration) Option[P] {
	return func(p *Poller[P]) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithTransportRecorder sets the metrics sink for transport errors.
func WithTransportRecorder[P any](r TransportRecorder) Option[P] {
	return func(p *Poller[P]) { p.recorder = r }
}

// WithLogger sets the logger.
func WithLogger[P any](l *slog.Logger) Option[P] {
	return func(p *Poller[P]) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller creates a poller over client.
func NewPoller[P any](client Client[P], opts ...Option[P]) *Poller[P] {
	p := &Poller[P]{
		client:   client,
		interval: DefaultPollInterval,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins a remote session. Any refusal is an ErrSessionStartFailure.
func (p *Poller[P]) Start(ctx context.Context, units []types.WorkUnit[P]) (string, error) {
	id, err := p.client.StartSession(ctx, units)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrSessionStartFailure, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: remote returned no session id", types.ErrSessionStartFailure)
	}
	return id, nil
}

// Watch polls sessionID until a terminal remote status, the deadline, or the
// cancellation of ctx. onStatus (may be nil) sees every successful poll.
//
// Returns the terminal status with a nil error on completion, ErrRemote on a
// remote error status, ErrTimeout when the deadline elapses, ErrCancelled
// when ctx is cancelled.
func (p *Poller[P]) Watch(ctx context.Context, sessionID string, onStatus func(types.RemoteStatus)) (types.RemoteStatus, PollState, error) {
	state := PollState{
		SessionID: sessionID,
		Interval:  p.interval,
		StartedAt: time.Now(),
	}
	state.Deadline = state.StartedAt.Add(p.timeout)

	// Single token: cancelling watchCtx stops the ticker loop and the
	// deadline together.
	watchCtx, cancel := context.WithDeadlineCause(ctx, state.Deadline, types.ErrTimeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-watchCtx.Done():
			state.Elapsed = time.Since(state.StartedAt)
			return state.LastStatus, state, p.stopCause(ctx, watchCtx, sessionID, state)

		case <-ticker.C:
			if watchCtx.Err() != nil {
				continue
			}
		}

		status, err := p.client.PollSession(watchCtx, sessionID)
		state.Polls++
		state.Elapsed = time.Since(state.StartedAt)

		if err != nil {
			if watchCtx.Err() != nil {
				// Poll aborted by the deadline or cancel; handled at the top.
				continue
			}
			state.TransportErrors++
			if p.recorder != nil {
				p.recorder.RecordPollTransportError()
			}
			terr := &types.PollTransportError{SessionID: sessionID, Err: err}
			p.logger.Warn("Poll failed, will retry next tick",
				"session", sessionID,
				"poll", state.Polls,
				"error", terr)
			continue
		}

		state.LastStatus = status
		if onStatus != nil {
			onStatus(status)
		}

		switch status.State {
		case types.RemoteCompleted:
			p.logger.Info("Session completed",
				"session", sessionID,
				"polls", state.Polls,
				"elapsed", state.Elapsed)
			return status, state, nil

		case types.RemoteError:
			p.logger.Warn("Session reported error",
				"session", sessionID,
				"error", status.Error)
			return status, state, fmt.Errorf("%w: %s", types.ErrRemote, status.Error)

		case types.RemoteInProgress:
			p.logger.Debug("Session in progress",
				"session", sessionID,
				"poll", state.Polls)

		default:
			p.logger.Warn("Unknown session status, continuing",
				"session", sessionID,
				"status", status.State)
		}
	}
}

// stopCause tells a deadline from a caller cancellation.
func (p *Poller[P]) stopCause(parent, watchCtx context.Context, sessionID string, state PollState) error {
	if parent.Err() == nil && errors.Is(context.Cause(watchCtx), types.ErrTimeout) {
		p.logger.Warn("Session deadline elapsed, no longer watching",
			"session", sessionID,
			"timeout", p.timeout,
			"polls", state.Polls)
		return fmt.Errorf("%w: session %s not terminal after %s", types.ErrTimeout, sessionID, p.timeout)
	}
	p.logger.Info("Session watch cancelled",
		"session", sessionID,
		"polls", state.Polls)
	return fmt.Errorf("%w: %w", types.ErrCancelled, context.Cause(parent))
}

// Cancel asks the remote to stop sessionID when the client supports it.
// It reports whether a cancel request was issued.
func (p *Poller[P]) Cancel(ctx context.Context, sessionID string) (bool, error) {
	c, ok := p.client.(Canceller)
	if !ok {
		return false, nil
	}
	return true, c.CancelSession(ctx, sessionID)
}
