package worker

// ============================================================================
// Fan-Out Executor Test File
// Purpose: Verify concurrent execution, fault isolation, progress reporting, pacing
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

func makeGroup(n int) []types.WorkUnit[int] {
	group := make([]types.WorkUnit[int], n)
	for i := range group {
		group[i] = types.WorkUnit[int]{ID: fmt.Sprintf("unit-%d", i), Payload: i}
	}
	return group
}

type fakeReporter struct {
	mu        sync.Mutex
	calls     int
	processed int
	succeeded int
}

func (r *fakeReporter) Advance(n, succeeded int) types.ProgressSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.processed += n
	r.succeeded += succeeded
	return types.ProgressSnapshot{Processed: r.processed, Completed: r.succeeded}
}

type fakeRecorder struct {
	ok, failed atomic.Int32
}

func (r *fakeRecorder) RecordUnit(success bool, _ float64) {
	if success {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewExecutor tests default configuration
func TestNewExecutor(t *testing.T) {
	e := NewExecutor[int](AnalyzerFunc[int](func(context.Context, types.WorkUnit[int]) (any, error) {
		return nil, nil
	}))
	assert.NotNil(t, e)
	assert.Equal(t, DefaultPacingDelay, e.PacingDelay())

	e = NewExecutor[int](nil, WithPacingDelay[int](0))
	assert.Equal(t, time.Duration(0), e.PacingDelay())
}

// TestRunGroup_AllSucceed tests one outcome per unit, in group order
func TestRunGroup_AllSucceed(t *testing.T) {
	reporter := &fakeReporter{}
	e := NewExecutor[int](AnalyzerFunc[int](func(_ context.Context, u types.WorkUnit[int]) (any, error) {
		// Reverse completion order relative to group order.
		time.Sleep(time.Duration(5-u.Payload) * 5 * time.Millisecond)
		return u.Payload * 10, nil
	}), WithReporter[int](reporter))

	outcomes := e.RunGroup(context.Background(), makeGroup(5))

	require.Len(t, outcomes, 5)
	for i, o := range outcomes {
		assert.Equal(t, fmt.Sprintf("unit-%d", i), o.UnitID)
		assert.True(t, o.Success)
		assert.Equal(t, i*10, o.Result)
		assert.NoError(t, o.Err)
	}
	assert.Equal(t, 1, reporter.calls, "progress reported exactly once per group")
	assert.Equal(t, 5, reporter.processed)
	assert.Equal(t, 5, reporter.succeeded)
}

// TestRunGroup_EmptyGroup tests that nothing is reported for an empty group
func TestRunGroup_EmptyGroup(t *testing.T) {
	reporter := &fakeReporter{}
	e := NewExecutor[int](nil, WithReporter[int](reporter))
	assert.Nil(t, e.RunGroup(context.Background(), nil))
	assert.Equal(t, 0, reporter.calls)
}

// ============================================================================
// Fault Isolation Tests
// ============================================================================

// TestRunGroup_FaultIsolation tests "analyze 5, one throws, get the other 4"
func TestRunGroup_FaultIsolation(t *testing.T) {
	boom := errors.New("model unavailable")
	reporter := &fakeReporter{}
	recorder := &fakeRecorder{}

	e := NewExecutor[int](AnalyzerFunc[int](func(_ context.Context, u types.WorkUnit[int]) (any, error) {
		if u.Payload == 2 {
			return nil, boom
		}
		return "ok", nil
	}), WithReporter[int](reporter), WithRecorder[int](recorder))

	outcomes := e.RunGroup(context.Background(), makeGroup(5))
	require.Len(t, outcomes, 5)

	failed := outcomes[2]
	assert.False(t, failed.Success)
	assert.ErrorIs(t, failed.Err, boom)
	var unitErr *types.UnitError
	require.ErrorAs(t, failed.Err, &unitErr)
	assert.Equal(t, "unit-2", unitErr.UnitID)
	assert.Equal(t, boom.Error(), failed.Error)

	for i, o := range outcomes {
		if i != 2 {
			assert.True(t, o.Success, "sibling %d must succeed", i)
		}
	}

	assert.Equal(t, 5, reporter.processed)
	assert.Equal(t, 4, reporter.succeeded)
	assert.Equal(t, int32(4), recorder.ok.Load())
	assert.Equal(t, int32(1), recorder.failed.Load())
}

// TestRunGroup_PanicIsRecorded tests that a panicking analyzer becomes a failed outcome
func TestRunGroup_PanicIsRecorded(t *testing.T) {
	e := NewExecutor[int](AnalyzerFunc[int](func(_ context.Context, u types.WorkUnit[int]) (any, error) {
		if u.Payload == 0 {
			panic("nil record")
		}
		return nil, nil
	}))

	outcomes := e.RunGroup(context.Background(), makeGroup(3))
	assert.False(t, outcomes[0].Success)
	assert.Contains(t, outcomes[0].Error, "analyzer panic")
	assert.True(t, outcomes[1].Success)
	assert.True(t, outcomes[2].Success)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestRunGroup_InFlightEqualsGroupSize tests that the whole group runs at once
func TestRunGroup_InFlightEqualsGroupSize(t *testing.T) {
	const size = 5
	var inFlight, peak atomic.Int32
	release := make(chan struct{})

	e := NewExecutor[int](AnalyzerFunc[int](func(context.Context, types.WorkUnit[int]) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil, nil
	}))

	done := make(chan []types.UnitOutcome)
	go func() { done <- e.RunGroup(context.Background(), makeGroup(size)) }()

	require.Eventually(t, func() bool { return inFlight.Load() == size }, time.Second, 5*time.Millisecond)
	close(release)

	outcomes := <-done
	assert.Len(t, outcomes, size)
	assert.Equal(t, int32(size), peak.Load())
}

// TestRunGroup_WaitsForSlowUnit tests that RunGroup returns only when all units are done
func TestRunGroup_WaitsForSlowUnit(t *testing.T) {
	e := NewExecutor[int](AnalyzerFunc[int](func(_ context.Context, u types.WorkUnit[int]) (any, error) {
		if u.Payload == 0 {
			time.Sleep(80 * time.Millisecond)
		}
		return nil, nil
	}))

	start := time.Now()
	outcomes := e.RunGroup(context.Background(), makeGroup(3))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.True(t, outcomes[0].Success)
}

// ============================================================================
// Pacing Tests
// ============================================================================

// TestPace tests the fixed inter-group delay
func TestPace(t *testing.T) {
	e := NewExecutor[int](nil, WithPacingDelay[int](30*time.Millisecond))

	start := time.Now()
	require.NoError(t, e.Pace(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

// TestPace_Cancelled tests that a cancelled context interrupts the delay
func TestPace_Cancelled(t *testing.T) {
	e := NewExecutor[int](nil, WithPacingDelay[int](time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.ErrorIs(t, e.Pace(ctx), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

// TestSimulated tests the simulated analyzer extremes
func TestSimulated(t *testing.T) {
	unit := types.WorkUnit[int]{ID: "u"}

	_, err := Simulated[int]{FailureRate: 100}.Analyze(context.Background(), unit)
	assert.ErrorIs(t, err, ErrSimulatedFailure)

	res, err := Simulated[int]{FailureRate: 0}.Analyze(context.Background(), unit)
	require.NoError(t, err)
	assert.NotNil(t, res)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Simulated[int]{MaxLatency: time.Minute}.Analyze(ctx, unit)
	assert.Error(t, err)
}
