package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// ErrSimulatedFailure is returned by Simulated for the configured share of units.
var ErrSimulatedFailure = errors.New("simulated analysis failure")

// Simulated stands in for the external analysis service in demos and in
// `serve --simulate`: random latency up to MaxLatency and a FailureRate
// percentage of failed units.
type Simulated[P any] struct {
	MaxLatency  time.Duration
	FailureRate int // 0-100
}

// Analyze sleeps for a random duration and fails FailureRate% of the time.
func (s Simulated[P]) Analyze(ctx context.Context, unit types.WorkUnit[P]) (any, error) {
	var workDuration time.Duration
	if s.MaxLatency > 0 {
		workDuration = time.Duration(rand.Int63n(int64(s.MaxLatency)))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-time.After(workDuration):
		if rand.Intn(100) < s.FailureRate {
			return nil, ErrSimulatedFailure
		}
		return map[string]any{
			"unit_id": unit.ID,
			"summary": "analysis complete",
		}, nil
	}
}
