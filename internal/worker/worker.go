// ============================================================================
// Bulk-Analysis Worker - Unit Execution
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one WorkUnit through the Analyzer in its own goroutine
//
// How it works:
//   The executor starts one worker per unit of a group. Each worker:
//   1. Calls Analyzer.Analyze with the unit
//   2. Converts an error or a panic into a failed UnitOutcome
//   3. Sends exactly one outcome to the group's result channel
//
// Fault isolation:
//   A failing or panicking unit never affects its siblings. Nothing is
//   retried here; retry belongs to the Analyzer.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// indexedOutcome carries the unit's position in its group so the executor can
// return outcomes in group order regardless of completion order.
type indexedOutcome struct {
	index   int
	outcome types.UnitOutcome
}

// Worker executes a single unit.
type Worker[P any] struct {
	index    int
	unit     types.WorkUnit[P]
	analyzer Analyzer[P]
	resultCh chan<- indexedOutcome
}

func newWorker[P any](index int, unit types.WorkUnit[P], analyzer Analyzer[P], resultCh chan<- indexedOutcome) *Worker[P] {
	return &Worker[P]{
		index:    index,
		unit:     unit,
		analyzer: analyzer,
		resultCh: resultCh,
	}
}

// Run analyzes the unit and reports its outcome. The result channel is
// buffered for the whole group, so the send never blocks.
func (w *Worker[P]) Run(ctx context.Context) {
	start := time.Now()

	result, err := w.execute(ctx)

	outcome := types.UnitOutcome{
		UnitID:   w.unit.ID,
		Success:  err == nil,
		Duration: time.Since(start),
	}
	if err != nil {
		outcome.Err = &types.UnitError{UnitID: w.unit.ID, Err: err}
		outcome.Error = err.Error()
	} else {
		outcome.Result = result
	}

	w.resultCh <- indexedOutcome{index: w.index, outcome: outcome}
}

// execute calls the analyzer, converting a panic into an error.
func (w *Worker[P]) execute(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer panic: %v", r)
		}
	}()
	return w.analyzer.Analyze(ctx, w.unit)
}
