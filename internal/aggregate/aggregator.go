// Package aggregate turns the outcomes of a terminal job into a JobResult and
// tells dependent views to re-fetch when the job completed.
package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// Invalidator notifies observers that cached views are stale.
type Invalidator interface {
	Invalidate(ctx context.Context, viewIDs []string) error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context, viewIDs []string) error

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate(ctx context.Context, viewIDs []string) error {
	return f(ctx, viewIDs)
}

// Summary is everything known about a job when it reaches a terminal state.
type Summary struct {
	JobID     types.JobID
	SessionID string
	Mode      types.Mode
	Status    types.State
	Total     int
	Outcomes  []types.UnitOutcome // sync mode, or per-unit detail reported by the remote
	Remote    *types.RemoteStatus // async mode only
	Err       error
	StartedAt time.Time
}

// Aggregator builds JobResults and drives cache invalidation.
type Aggregator struct {
	invalidator Invalidator
	viewIDs     []string
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an aggregator. invalidator may be nil when no view depends on
// the analysed data.
func New(invalidator Invalidator, viewIDs []string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	views := make([]string, len(viewIDs))
	copy(views, viewIDs)
	return &Aggregator{
		invalidator: invalidator,
		viewIDs:     views,
		logger:      logger,
		now:         time.Now,
	}
}

// Finish produces the JobResult of a terminal job. Invalidation runs exactly
// once per call and only for StateCompleted; an invalidation error is logged
// and noted on the result, the status stays completed.
func (a *Aggregator) Finish(ctx context.Context, s Summary) types.JobResult {
	result := Build(s)
	result.FinishedAt = a.now()

	if result.Status != types.StateCompleted {
		return result
	}
	if a.invalidator == nil || len(a.viewIDs) == 0 {
		return result
	}

	if err := a.invalidator.Invalidate(ctx, a.viewIDs); err != nil {
		a.logger.Warn("View invalidation failed",
			"job", s.JobID,
			"views", a.viewIDs,
			"error", err)
		result.Error = "invalidate: " + err.Error()
	} else {
		a.logger.Debug("Views invalidated",
			"job", s.JobID,
			"views", a.viewIDs)
	}
	return result
}

// Build computes the JobResult fields derivable from s without side effects.
func Build(s Summary) types.JobResult {
	outcomes := s.Outcomes
	if len(outcomes) == 0 && s.Remote != nil {
		outcomes = s.Remote.Outcomes
	}

	result := types.JobResult{
		JobID:     s.JobID,
		SessionID: s.SessionID,
		Mode:      s.Mode,
		Status:    s.Status,
		Outcomes:  make([]types.UnitOutcome, len(outcomes)),
		Total:     s.Total,
		StartedAt: s.StartedAt,
	}
	copy(result.Outcomes, outcomes)

	for _, o := range result.Outcomes {
		if o.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	if s.Remote != nil {
		result.RemoteResult = s.Remote.Result
	}
	if s.Err != nil {
		result.Error = s.Err.Error()
	}
	return result
}
