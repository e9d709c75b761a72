package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulk-analysis/internal/analyzer"
	"github.com/ChuLiYu/bulk-analysis/internal/controller"
	"github.com/ChuLiYu/bulk-analysis/internal/metrics"
	"github.com/ChuLiYu/bulk-analysis/internal/snapshot"
	"github.com/ChuLiYu/bulk-analysis/internal/store"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// analysisService fakes the remote analysis HTTP API.
type analysisService struct {
	mu          sync.Mutex
	analyzed    []string
	invalidated [][]string
	reject      map[string]bool
}

func (s *analysisService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(analyzer.AnalyzePath, func(w http.ResponseWriter, r *http.Request) {
		var req analyzer.AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.analyzed = append(s.analyzed, req.ID)
		rejected := s.reject[req.ID]
		s.mu.Unlock()

		if rejected {
			http.Error(w, "record rejected", http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(analyzer.AnalyzeResponse{
			ID:     req.ID,
			Result: map[string]any{"skills": 3},
		})
	})
	mux.HandleFunc(analyzer.InvalidatePath, func(w http.ResponseWriter, r *http.Request) {
		var req analyzer.InvalidateRequest
		json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.invalidated = append(s.invalidated, req.Views)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestSyncJob_EndToEnd(t *testing.T) {
	svc := &analysisService{reject: map[string]bool{"emp-004": true}}
	httpSrv := httptest.NewServer(svc.handler())
	defer httpSrv.Close()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer st.Close()

	reg := prometheus.NewRegistry()
	client := analyzer.NewClient(httpSrv.URL, analyzer.WithRateLimit(0))

	coord, err := controller.NewCoordinator(controller.Config{
		BatchSize:   5,
		PacingDelay: 5 * time.Millisecond,
		ViewIDs:     []string{"skills_overview", "team_matrix"},
	}, controller.Deps[json.RawMessage]{
		Analyzer:    client,
		Invalidator: client,
		Recorder:    st,
		Metrics:     metrics.NewCollector(reg),
	})
	require.NoError(t, err)

	result, err := coord.Run(context.Background(), employeeUnits(12), types.ModeSync)
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleted, result.Status)
	assert.Equal(t, 12, result.Total)
	assert.Equal(t, 11, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Outcomes, 12)
	assert.Equal(t, "emp-004", result.Outcomes[3].UnitID)
	assert.Contains(t, result.Outcomes[3].Error, "record rejected")

	svc.mu.Lock()
	assert.Len(t, svc.analyzed, 12)
	assert.Equal(t, [][]string{{"skills_overview", "team_matrix"}}, svc.invalidated)
	svc.mu.Unlock()

	// History row with the failed unit.
	saved, err := st.GetResult(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, saved.Status)
	assert.Equal(t, 11, saved.Succeeded)

	unitErrs, err := st.UnitErrors(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Len(t, unitErrs, 1)
	assert.Contains(t, unitErrs["emp-004"], "record rejected")

	// Result file round trip.
	files := snapshot.NewManager(filepath.Join(dir, "last.json"))
	require.NoError(t, files.Write(result))
	loaded, err := files.Load()
	require.NoError(t, err)
	assert.Equal(t, result.JobID, loaded.Result.JobID)
	assert.Equal(t, 1, loaded.Result.Failed)

	n, err := testutil.GatherAndCount(reg, "bulk_analysis_jobs_finished_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncJob_AllUnitsFailStillInvalidates(t *testing.T) {
	svc := &analysisService{reject: map[string]bool{}}
	units := employeeUnits(3)
	for _, u := range units {
		svc.reject[u.ID] = true
	}
	httpSrv := httptest.NewServer(svc.handler())
	defer httpSrv.Close()

	client := analyzer.NewClient(httpSrv.URL, analyzer.WithRateLimit(0))
	coord, err := controller.NewCoordinator(controller.Config{
		PacingDelay: time.Millisecond,
		ViewIDs:     []string{"skills_overview"},
	}, controller.Deps[json.RawMessage]{Analyzer: client, Invalidator: client})
	require.NoError(t, err)

	result, err := coord.Run(context.Background(), units, types.ModeSync)
	require.NoError(t, err)

	// Per-unit failures do not fail the job.
	assert.Equal(t, types.StateCompleted, result.Status)
	assert.Equal(t, 3, result.Failed)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.invalidated, 1)
}
