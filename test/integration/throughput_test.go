package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulk-analysis/internal/controller"
	"github.com/ChuLiYu/bulk-analysis/internal/worker"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

func BenchmarkSyncThroughput(b *testing.B) {
	units := employeeUnits(1000)
	a := worker.AnalyzerFunc[json.RawMessage](func(context.Context, types.WorkUnit[json.RawMessage]) (any, error) {
		return nil, nil
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		coord, err := controller.NewCoordinator(controller.Config{
			BatchSize:   25,
			PacingDelay: time.Nanosecond,
		}, controller.Deps[json.RawMessage]{Analyzer: a})
		require.NoError(b, err)

		result, err := coord.Run(context.Background(), units, types.ModeSync)
		require.NoError(b, err)
		require.Equal(b, 1000, result.Succeeded)
	}
	b.StopTimer()
}
