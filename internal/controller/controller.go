// ============================================================================
// Bulk-Analysis Coordinator - job lifecycle controller
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Owns one BatchJob at a time and drives it to a terminal state in
//           either sync (fan-out/fan-in) or async-session (polling) mode
//
// Architecture:
//   The coordinator wires the components of one job together:
//   - jobmanager.Manager: idle → running → terminal state machine
//   - progress.Tracker:   processed/total counters read by any observer
//   - worker.Executor:    one group of units at a time (sync mode)
//   - session.Poller:     start + poll of a remote session (async mode)
//   - aggregate:          JobResult + cache invalidation on completion
//
// Sync loop:
//   groups := Partition(units, BatchSize)
//   for each group:
//     cancelled? → stop
//     RunGroup(group)            // waits for every unit of the group
//     cancelled? → discard group outcomes, stop
//     Pace()                     // skipped after the last group
//
// Async loop:
//   Start(units) → sessionID → Watch(sessionID) until
//   completed | error | deadline | cancel
//
// Cancellation:
//   Cancel() cancels the job context with ErrCancelled as its cause. It is
//   observed before each group, during the pacing wait and by the poller.
//   Units already dispatched run to completion; their outcomes are dropped.
//
// Concurrency:
//   Start returns immediately, the job runs in its own goroutine. mu guards
//   the per-job handles; done is closed once the terminal result is stored.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bulk-analysis/internal/aggregate"
	"github.com/ChuLiYu/bulk-analysis/internal/batch"
	"github.com/ChuLiYu/bulk-analysis/internal/jobmanager"
	"github.com/ChuLiYu/bulk-analysis/internal/progress"
	"github.com/ChuLiYu/bulk-analysis/internal/session"
	"github.com/ChuLiYu/bulk-analysis/internal/worker"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

var log = slog.Default()

// remoteCancelTimeout bounds the best-effort CancelSession call.
const remoteCancelTimeout = 5 * time.Second

// ============================================================================
// Data Structures
// ============================================================================

// Config tunes a Coordinator. Zero values select the defaults.
type Config struct {
	BatchSize             int           // units per group (default 5)
	PacingDelay           time.Duration // pause between groups (default 100ms)
	PollInterval          time.Duration // async poll interval (default 2s)
	SessionTimeout        time.Duration // async deadline (default 5m)
	ViewIDs               []string      // views invalidated on completion
	CancelRemoteOnTimeout bool          // ask the remote to stop on timeout/cancel
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:      batch.DefaultSize,
		PacingDelay:    worker.DefaultPacingDelay,
		PollInterval:   session.DefaultPollInterval,
		SessionTimeout: session.DefaultTimeout,
	}
}

// Validate applies defaults to zero fields and rejects negative values.
func (c *Config) Validate() error {
	if c.BatchSize < 0 || c.PacingDelay < 0 || c.PollInterval < 0 || c.SessionTimeout < 0 {
		return fmt.Errorf("%w: negative batch size or duration", types.ErrInvalidConfiguration)
	}
	def := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PacingDelay == 0 {
		c.PacingDelay = def.PacingDelay
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = def.SessionTimeout
	}
	return nil
}

// Observer receives progress and the terminal result of every job.
type Observer interface {
	OnProgress(types.ProgressSnapshot)
	OnTerminal(types.JobResult)
}

// ObserverFuncs adapts two optional functions to Observer.
type ObserverFuncs struct {
	Progress func(types.ProgressSnapshot)
	Terminal func(types.JobResult)
}

func (o ObserverFuncs) OnProgress(s types.ProgressSnapshot) {
	if o.Progress != nil {
		o.Progress(s)
	}
}

func (o ObserverFuncs) OnTerminal(r types.JobResult) {
	if o.Terminal != nil {
		o.Terminal(r)
	}
}

// Metrics is the subset of the metrics collector the coordinator feeds.
type Metrics interface {
	worker.Recorder
	session.TransportRecorder
	RecordJobStarted(mode string)
	RecordJobTerminal(state string, seconds float64)
	UpdateProgress(processed, total int)
}

// Recorder persists terminal results.
type Recorder interface {
	SaveResult(ctx context.Context, result types.JobResult) error
}

// Deps are the collaborators of a Coordinator. Analyzer is required for sync
// mode, Session for async-session mode; the rest are optional.
type Deps[P any] struct {
	Analyzer    worker.Analyzer[P]
	Session     session.Client[P]
	Invalidator aggregate.Invalidator
	Observer    Observer
	Metrics     Metrics
	Recorder    Recorder
	Logger      *slog.Logger
}

// Coordinator runs at most one BatchJob at a time.
type Coordinator[P any] struct {
	config     Config
	deps       Deps[P]
	logger     *slog.Logger
	manager    *jobmanager.Manager
	tracker    *progress.Tracker
	aggregator *aggregate.Aggregator

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	settled bool // the job's terminal state is decided; Cancel no longer applies
	done    chan struct{}
	result  *types.JobResult
	err     error
}

// ============================================================================
// Core Methods
// ============================================================================

// NewCoordinator validates config and creates an idle coordinator.
func NewCoordinator[P any](config Config, deps Deps[P]) (*Coordinator[P], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Analyzer == nil && deps.Session == nil {
		return nil, fmt.Errorf("%w: neither analyzer nor session client", types.ErrInvalidConfiguration)
	}

	logger := deps.Logger
	if logger == nil {
		logger = log
	}

	c := &Coordinator[P]{
		config:     config,
		deps:       deps,
		logger:     logger,
		manager:    jobmanager.NewManager(),
		aggregator: aggregate.New(deps.Invalidator, config.ViewIDs, logger),
	}
	c.tracker = progress.NewTracker(c.onProgress)
	return c, nil
}

// Start launches a job over units in mode and returns its ID without
// waiting for it.
//
// Errors:
//   - ErrInvalidConfiguration: unknown mode or no collaborator for it
//   - ErrAlreadyRunning: a job is running; it is left untouched
//   - ErrNotIdle: the previous terminal job has not been Reset
func (c *Coordinator[P]) Start(ctx context.Context, units []types.WorkUnit[P], mode types.Mode) (types.JobID, error) {
	switch {
	case !mode.Valid():
		return "", fmt.Errorf("%w: unknown mode %q", types.ErrInvalidConfiguration, mode)
	case mode == types.ModeSync && c.deps.Analyzer == nil:
		return "", fmt.Errorf("%w: sync mode needs an analyzer", types.ErrInvalidConfiguration)
	case mode == types.ModeAsyncSession && c.deps.Session == nil:
		return "", fmt.Errorf("%w: async-session mode needs a session client", types.ErrInvalidConfiguration)
	}

	owned := make([]types.WorkUnit[P], len(units))
	copy(owned, units)

	id := types.JobID(uuid.NewString())
	if _, err := c.manager.Begin(id, mode, len(owned)); err != nil {
		return "", err
	}

	// The job outlives the caller's request; only Cancel stops it.
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.settled = false
	c.done = done
	c.result = nil
	c.err = nil
	c.mu.Unlock()

	c.tracker.Reset(len(owned))
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordJobStarted(string(mode))
	}

	c.logger.Info("Job started",
		"job", id,
		"mode", mode,
		"units", len(owned),
		"batch_size", c.config.BatchSize)

	go c.run(jobCtx, cancel, done, id, mode, owned)
	return id, nil
}

// Cancel requests cooperative cancellation of the running job. A nil return
// means the job ends in StateCancelled; use Wait to observe it.
//
// Once the last group or poll has finished the outcome is settled, and
// Cancel returns ErrNoJob even while invalidation and persistence are
// still running.
func (c *Coordinator[P]) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil || c.settled || c.manager.State() != types.StateRunning {
		return fmt.Errorf("%w: nothing running", types.ErrNoJob)
	}

	c.logger.Info("Cancel requested")
	c.cancel(types.ErrCancelled)
	return nil
}

// Wait blocks until the current job is terminal or ctx is done. The returned
// error is the job-fatal error (nil for completed), or ctx's error.
func (c *Coordinator[P]) Wait(ctx context.Context) (types.JobResult, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return types.JobResult{}, types.ErrNoJob
	}

	select {
	case <-ctx.Done():
		return types.JobResult{}, ctx.Err()
	case <-done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		// Reset raced with this waiter.
		return types.JobResult{}, types.ErrNoJob
	}
	return *c.result, c.err
}

// Run starts a job and waits for it. Cancelling ctx cancels the job and
// still waits for its terminal result.
func (c *Coordinator[P]) Run(ctx context.Context, units []types.WorkUnit[P], mode types.Mode) (types.JobResult, error) {
	if _, err := c.Start(ctx, units, mode); err != nil {
		return types.JobResult{}, err
	}

	result, err := c.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		_ = c.Cancel()
		return c.Wait(context.Background())
	}
	return result, err
}

// Reset dismisses a terminal job so a new one can start.
func (c *Coordinator[P]) Reset() error {
	if err := c.manager.Reset(); err != nil {
		return err
	}

	c.mu.Lock()
	c.cancel = nil
	c.settled = false
	c.done = nil
	c.result = nil
	c.err = nil
	c.mu.Unlock()

	c.tracker.Reset(0)
	return nil
}

// ============================================================================
// Query Methods
// ============================================================================

// Progress returns the latest progress snapshot.
func (c *Coordinator[P]) Progress() types.ProgressSnapshot {
	return c.tracker.Get()
}

// State returns the lifecycle state.
func (c *Coordinator[P]) State() types.State {
	return c.manager.State()
}

// Result returns the terminal result of the current job, if any.
func (c *Coordinator[P]) Result() (types.JobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return types.JobResult{}, false
	}
	return *c.result, true
}

// Stats counts jobs per lifecycle state.
func (c *Coordinator[P]) Stats() map[string]int {
	return c.manager.Stats()
}

// ============================================================================
// Job Execution
// ============================================================================

func (c *Coordinator[P]) run(ctx context.Context, cancel context.CancelCauseFunc, done chan struct{}, id types.JobID, mode types.Mode, units []types.WorkUnit[P]) {
	defer cancel(nil)
	startedAt := time.Now()

	var summary aggregate.Summary
	if mode == types.ModeSync {
		summary = c.runSync(ctx, id, units)
	} else {
		summary = c.runAsync(ctx, id, units)
	}
	summary.JobID = id
	summary.Mode = mode
	summary.Total = len(units)
	summary.StartedAt = startedAt

	c.mu.Lock()
	c.settled = true
	// A Cancel that returned nil after the last boundary still wins.
	if summary.Err == nil && errors.Is(context.Cause(ctx), types.ErrCancelled) {
		summary.Err = cancelCause(ctx)
	}
	c.mu.Unlock()
	summary.Status = types.StateForError(summary.Err)

	// Invalidation and persistence run even after a cancel.
	finishCtx := context.WithoutCancel(ctx)
	result := c.aggregator.Finish(finishCtx, summary)

	c.mu.Lock()
	c.result = &result
	c.err = summary.Err
	c.mu.Unlock()

	if _, err := c.manager.Finish(id, result.Status); err != nil {
		c.logger.Error("Failed to record terminal state", "job", id, "error", err)
	}

	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.SaveResult(finishCtx, result); err != nil {
			c.logger.Error("Failed to save job result", "job", id, "error", err)
		}
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordJobTerminal(string(result.Status), result.Duration().Seconds())
	}

	c.logger.Info("Job finished",
		"job", id,
		"status", result.Status,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration", result.Duration())

	close(done)

	if c.deps.Observer != nil {
		c.deps.Observer.OnTerminal(result)
	}
}

// runSync is the fan-out/fan-in loop.
func (c *Coordinator[P]) runSync(ctx context.Context, id types.JobID, units []types.WorkUnit[P]) aggregate.Summary {
	groups, err := batch.Partition(units, c.config.BatchSize)
	if err != nil {
		return aggregate.Summary{Err: err}
	}

	exec := worker.NewExecutor(c.deps.Analyzer,
		worker.WithReporter[P](c.tracker),
		worker.WithRecorder[P](c.unitRecorder()),
		worker.WithPacingDelay[P](c.config.PacingDelay))

	// Dispatched units are never interrupted by Cancel.
	unitCtx := context.WithoutCancel(ctx)
	outcomes := make([]types.UnitOutcome, 0, len(units))

	for i, group := range groups {
		if ctx.Err() != nil {
			return aggregate.Summary{Outcomes: outcomes, Err: cancelCause(ctx)}
		}

		got := exec.RunGroup(unitCtx, group)

		if ctx.Err() != nil {
			c.logger.Info("Discarding outcomes of group in flight at cancel",
				"job", id,
				"group", i+1,
				"units", len(got))
			return aggregate.Summary{Outcomes: outcomes, Err: cancelCause(ctx)}
		}
		outcomes = append(outcomes, got...)

		c.logger.Debug("Group done",
			"job", id,
			"group", i+1,
			"groups", len(groups),
			"processed", c.tracker.Get().Processed)

		if i < len(groups)-1 {
			if err := exec.Pace(ctx); err != nil {
				return aggregate.Summary{Outcomes: outcomes, Err: cancelCause(ctx)}
			}
		}
	}
	return aggregate.Summary{Outcomes: outcomes}
}

// runAsync starts a remote session and polls it to a terminal state.
func (c *Coordinator[P]) runAsync(ctx context.Context, id types.JobID, units []types.WorkUnit[P]) aggregate.Summary {
	poller := session.NewPoller(c.deps.Session,
		session.WithInterval[P](c.config.PollInterval),
		session.WithTimeout[P](c.config.SessionTimeout),
		session.WithTransportRecorder[P](c.transportRecorder()),
		session.WithLogger[P](c.logger))

	if ctx.Err() != nil {
		return aggregate.Summary{Err: cancelCause(ctx)}
	}

	sessionID, err := poller.Start(ctx, units)
	if err != nil {
		if ctx.Err() != nil {
			return aggregate.Summary{Err: cancelCause(ctx)}
		}
		c.logger.Error("Session start failed", "job", id, "error", err)
		return aggregate.Summary{Err: err}
	}
	c.logger.Info("Session started", "job", id, "session", sessionID)

	status, state, err := poller.Watch(ctx, sessionID, c.applyRemote)
	if err == nil {
		c.tracker.Complete()
	}

	if c.config.CancelRemoteOnTimeout && (errors.Is(err, types.ErrTimeout) || errors.Is(err, types.ErrCancelled)) {
		c.cancelRemote(context.WithoutCancel(ctx), poller, sessionID)
	}

	c.logger.Debug("Session watch ended",
		"job", id,
		"session", sessionID,
		"polls", state.Polls,
		"transport_errors", state.TransportErrors,
		"elapsed", state.Elapsed)

	return aggregate.Summary{
		SessionID: sessionID,
		Remote:    &status,
		Err:       err,
	}
}

func (c *Coordinator[P]) cancelRemote(ctx context.Context, poller *session.Poller[P], sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, remoteCancelTimeout)
	defer cancel()

	issued, err := poller.Cancel(ctx, sessionID)
	switch {
	case err != nil:
		c.logger.Warn("Remote cancel failed", "session", sessionID, "error", err)
	case issued:
		c.logger.Info("Remote session cancel requested", "session", sessionID)
	}
}

// applyRemote forwards progress hints of a poll to the tracker.
func (c *Coordinator[P]) applyRemote(s types.RemoteStatus) {
	if s.Processed == nil {
		return
	}
	total := 0
	if s.Total != nil {
		total = *s.Total
	}
	c.tracker.Set(*s.Processed, total)
}

func (c *Coordinator[P]) onProgress(s types.ProgressSnapshot) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.UpdateProgress(s.Processed, s.Total)
	}
	if c.deps.Observer != nil {
		c.deps.Observer.OnProgress(s)
	}
}

func (c *Coordinator[P]) unitRecorder() worker.Recorder {
	if c.deps.Metrics == nil {
		return nil
	}
	return c.deps.Metrics
}

func (c *Coordinator[P]) transportRecorder() session.TransportRecorder {
	if c.deps.Metrics == nil {
		return nil
	}
	return c.deps.Metrics
}

// cancelCause returns the cancellation error of a stopped job context.
func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, types.ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", types.ErrCancelled, cause)
}
