package worker

import (
	"context"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// Analyzer is the "analyze one unit" capability. It may succeed, fail or
// hang; timing out a hung call is the implementation's responsibility.
type Analyzer[P any] interface {
	Analyze(ctx context.Context, unit types.WorkUnit[P]) (any, error)
}

// AnalyzerFunc adapts a plain function to Analyzer.
type AnalyzerFunc[P any] func(ctx context.Context, unit types.WorkUnit[P]) (any, error)

// Analyze calls f.
func (f AnalyzerFunc[P]) Analyze(ctx context.Context, unit types.WorkUnit[P]) (any, error) {
	return f(ctx, unit)
}

// Reporter receives one progress update per completed group.
type Reporter interface {
	Advance(n, succeeded int) types.ProgressSnapshot
}

// Recorder receives per-unit measurements. Implemented by metrics.Collector.
type Recorder interface {
	RecordUnit(success bool, latencySeconds float64)
}
