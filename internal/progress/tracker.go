// Package progress holds the processed/total counters of the running job.
//
// One writer (the fan-out executor or the session poller) and any number of
// concurrent readers. Each update replaces the whole snapshot atomically, so
// a reader never observes a half-updated pair of counters.
package progress

import (
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// Tracker keeps the latest raw ProgressSnapshot. No smoothing is applied.
type Tracker struct {
	mu       sync.Mutex // serialises writers
	snap     atomic.Pointer[types.ProgressSnapshot]
	onChange func(types.ProgressSnapshot)
}

// NewTracker creates a tracker at (0, 0). onChange may be nil.
func NewTracker(onChange func(types.ProgressSnapshot)) *Tracker {
	t := &Tracker{onChange: onChange}
	t.snap.Store(&types.ProgressSnapshot{})
	return t
}

// Reset sets the snapshot to (0, total). Called once at job start.
func (t *Tracker) Reset(total int) {
	if total < 0 {
		total = 0
	}
	t.mu.Lock()
	s := types.ProgressSnapshot{Total: total}
	t.snap.Store(&s)
	t.mu.Unlock()

	t.notify(s)
}

// Set stores a raw (processed, total) pair as reported by a writer.
//
// The invariants 0 <= processed <= total and non-decreasing processed are
// enforced here: a regressing value keeps the previous count and values past
// total are clamped. A non-positive total keeps the total fixed at job start.
func (t *Tracker) Set(processed, total int) types.ProgressSnapshot {
	t.mu.Lock()
	cur := *t.snap.Load()

	next := cur
	if total > 0 && cur.Total == 0 {
		next.Total = total
	}
	next.Processed = clamp(processed, cur.Processed, next.Total)
	if next.Completed > next.Processed {
		next.Completed = next.Processed
	}

	changed := next != cur
	if changed {
		t.snap.Store(&next)
	}
	t.mu.Unlock()

	if changed {
		t.notify(next)
	}
	return next
}

// Advance records that n more units reached a terminal state, succeeded of
// which were successes.
func (t *Tracker) Advance(n, succeeded int) types.ProgressSnapshot {
	t.mu.Lock()
	cur := *t.snap.Load()

	next := cur
	next.Processed = clamp(cur.Processed+n, cur.Processed, cur.Total)
	next.Completed = min(cur.Completed+max(succeeded, 0), next.Processed)
	t.snap.Store(&next)
	t.mu.Unlock()

	t.notify(next)
	return next
}

// Complete marks every unit processed. Used when a remote session reports
// completion without a final processed hint.
func (t *Tracker) Complete() types.ProgressSnapshot {
	cur := t.Get()
	return t.Set(cur.Total, cur.Total)
}

// Get returns the latest snapshot. Safe for concurrent use.
func (t *Tracker) Get() types.ProgressSnapshot {
	return *t.snap.Load()
}

func (t *Tracker) notify(s types.ProgressSnapshot) {
	if t.onChange != nil {
		t.onChange(s)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}
