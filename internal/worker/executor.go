// ============================================================================
// Bulk-Analysis Fan-Out Executor
// ============================================================================
//
// Package: internal/worker
// File: executor.go
// Function: Runs one group of WorkUnits concurrently and waits for all of them
//
// Execution model:
//   ┌──────────────┐
//   │  Controller  │ --RunGroup(group)--> one Worker per unit
//   └──────────────┘                         │
//          ↑                                 ↓
//     []UnitOutcome  <---- resultCh (buffered len(group))
//
//   - In-flight calls == len(group). Concurrency is bounded by the
//     partitioning, there is no extra semaphore.
//   - RunGroup returns only when every unit reached a terminal outcome.
//   - The Reporter is advanced by len(group) exactly once per group.
//   - Pace() is the fixed delay between groups, skipped after the last one.
//
// ============================================================================

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// DefaultPacingDelay is the pause between two groups.
const DefaultPacingDelay = 100 * time.Millisecond

// Executor fans one group out to the analyzer and fans the outcomes back in.
type Executor[P any] struct {
	analyzer    Analyzer[P]
	reporter    Reporter
	recorder    Recorder
	pacingDelay time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption[P any] func(*Executor[P])

// WithReporter sets the progress reporter advanced after each group.
func WithReporter[P any](r Reporter) ExecutorOption[P] {
	return func(e *Executor[P]) { e.reporter = r }
}

// WithRecorder sets the per-unit metrics recorder.
func WithRecorder[P any](r Recorder) ExecutorOption[P] {
	return func(e *Executor[P]) { e.recorder = r }
}

// WithPacingDelay overrides DefaultPacingDelay. Zero disables pacing.
func WithPacingDelay[P any](d time.Duration) ExecutorOption[P] {
	return func(e *Executor[P]) {
		if d >= 0 {
			e.pacingDelay = d
		}
	}
}

// NewExecutor creates an executor around analyzer.
func NewExecutor[P any](analyzer Analyzer[P], opts ...ExecutorOption[P]) *Executor[P] {
	e := &Executor[P]{
		analyzer:    analyzer,
		pacingDelay: DefaultPacingDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunGroup analyzes every unit of group concurrently and returns one outcome
// per unit, in group order. A failing unit never aborts its siblings.
//
// ctx is passed through to the analyzer untouched; the executor imposes no
// per-unit timeout of its own.
func (e *Executor[P]) RunGroup(ctx context.Context, group []types.WorkUnit[P]) []types.UnitOutcome {
	if len(group) == 0 {
		return nil
	}

	resultCh := make(chan indexedOutcome, len(group))
	var wg sync.WaitGroup

	for i, unit := range group {
		w := newWorker(i, unit, e.analyzer, resultCh)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	wg.Wait()
	close(resultCh)

	outcomes := make([]types.UnitOutcome, len(group))
	succeeded := 0
	for r := range resultCh {
		outcomes[r.index] = r.outcome
		if r.outcome.Success {
			succeeded++
		}
		if e.recorder != nil {
			e.recorder.RecordUnit(r.outcome.Success, r.outcome.Duration.Seconds())
		}
	}

	if e.reporter != nil {
		e.reporter.Advance(len(group), succeeded)
	}
	return outcomes
}

// Pace waits the pacing delay before the next group is dispatched. It
// returns early with ctx's error when ctx is done.
func (e *Executor[P]) Pace(ctx context.Context) error {
	if e.pacingDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(e.pacingDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PacingDelay returns the configured delay between groups.
func (e *Executor[P]) PacingDelay() time.Duration {
	return e.pacingDelay
}
