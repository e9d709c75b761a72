package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulk-analysis/internal/controller"
	"github.com/ChuLiYu/bulk-analysis/internal/rpc"
	"github.com/ChuLiYu/bulk-analysis/internal/worker"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

func rawUnits(n int) []types.WorkUnit[json.RawMessage] {
	units := make([]types.WorkUnit[json.RawMessage], n)
	for i := range units {
		units[i] = types.WorkUnit[json.RawMessage]{
			ID:      fmt.Sprintf("emp-%d", i),
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	return units
}

func echoAnalyzer(delay time.Duration, failID string) worker.Analyzer[json.RawMessage] {
	return worker.AnalyzerFunc[json.RawMessage](func(ctx context.Context, u types.WorkUnit[json.RawMessage]) (any, error) {
		time.Sleep(delay)
		if u.ID == failID {
			return nil, errors.New("unparseable record")
		}
		return string(u.Payload), nil
	})
}

func newTestServer(t *testing.T, config Config, a worker.Analyzer[json.RawMessage]) *Server {
	t.Helper()
	if config.Coordinator.PacingDelay == 0 {
		config.Coordinator.PacingDelay = time.Millisecond
	}
	s, err := NewServer(config, Deps{Analyzer: a})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func waitTerminal(t *testing.T, s *Server, id string) types.RemoteStatus {
	t.Helper()
	var st types.RemoteStatus
	require.Eventually(t, func() bool {
		got, err := s.PollSession(context.Background(), id)
		if err != nil {
			return false
		}
		st = got
		return st.State.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{}, Deps{})
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)

	_, err = NewServer(Config{MaxSessions: -1}, Deps{Analyzer: echoAnalyzer(0, "")})
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)

	s, err := NewServer(Config{}, Deps{Analyzer: echoAnalyzer(0, "")})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, s.config.Retention)
}

func TestSession_Completes(t *testing.T) {
	s := newTestServer(t, Config{}, echoAnalyzer(time.Millisecond, "emp-3"))

	id, err := s.StartSession(context.Background(), rawUnits(7))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st := waitTerminal(t, s, id)
	assert.Equal(t, types.RemoteCompleted, st.State)
	assert.Equal(t, 7, *st.Processed)
	assert.Equal(t, 7, *st.Total)
	require.Len(t, st.Outcomes, 7)
	assert.False(t, st.Outcomes[3].Success)

	result := st.Result.(map[string]any)
	assert.Equal(t, 6, result["succeeded"])
	assert.Equal(t, 1, result["failed"])
}

func TestSession_InProgressHints(t *testing.T) {
	release := make(chan struct{})
	a := worker.AnalyzerFunc[json.RawMessage](func(context.Context, types.WorkUnit[json.RawMessage]) (any, error) {
		<-release
		return nil, nil
	})
	s := newTestServer(t, Config{}, a)

	id, err := s.StartSession(context.Background(), rawUnits(6))
	require.NoError(t, err)

	st, err := s.PollSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RemoteInProgress, st.State)
	assert.Equal(t, 0, *st.Processed)
	assert.Equal(t, 6, *st.Total)

	close(release)
	assert.Equal(t, types.RemoteCompleted, waitTerminal(t, s, id).State)
}

func TestSession_Cancel(t *testing.T) {
	config := Config{Coordinator: controller.Config{BatchSize: 1, PacingDelay: time.Second}}
	s := newTestServer(t, config, echoAnalyzer(0, ""))

	id, err := s.StartSession(context.Background(), rawUnits(5))
	require.NoError(t, err)
	require.NoError(t, s.CancelSession(context.Background(), id))

	st := waitTerminal(t, s, id)
	assert.Equal(t, types.RemoteError, st.State)
	assert.Contains(t, st.Error, "cancelled")

	// Cancelling a terminal session is a no-op.
	assert.NoError(t, s.CancelSession(context.Background(), id))
}

func TestSession_NotFound(t *testing.T) {
	s := newTestServer(t, Config{}, echoAnalyzer(0, ""))

	_, err := s.PollSession(context.Background(), "nope")
	assert.ErrorIs(t, err, rpc.ErrSessionNotFound)
	assert.ErrorIs(t, s.CancelSession(context.Background(), "nope"), rpc.ErrSessionNotFound)
}

func TestStartSession_RejectsDuplicateIDs(t *testing.T) {
	s := newTestServer(t, Config{}, echoAnalyzer(0, ""))

	units := rawUnits(2)
	units[1].ID = units[0].ID
	_, err := s.StartSession(context.Background(), units)
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
}

func TestStartSession_Limit(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	a := worker.AnalyzerFunc[json.RawMessage](func(context.Context, types.WorkUnit[json.RawMessage]) (any, error) {
		<-release
		return nil, nil
	})
	s := newTestServer(t, Config{MaxSessions: 1}, a)

	_, err := s.StartSession(context.Background(), rawUnits(1))
	require.NoError(t, err)

	_, err = s.StartSession(context.Background(), rawUnits(1))
	assert.ErrorIs(t, err, rpc.ErrTooManySessions)
	assert.Equal(t, 1, s.Stats()["running"])
}

func TestStartSession_LimitUnderConcurrency(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	a := worker.AnalyzerFunc[json.RawMessage](func(context.Context, types.WorkUnit[json.RawMessage]) (any, error) {
		<-release
		return nil, nil
	})
	s := newTestServer(t, Config{MaxSessions: 2}, a)

	var wg sync.WaitGroup
	var accepted, rejected atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.StartSession(context.Background(), rawUnits(1))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, rpc.ErrTooManySessions):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, int32(18), rejected.Load())
	assert.Equal(t, 2, s.Stats()["running"])
}

func TestStartSession_AfterStop(t *testing.T) {
	s := newTestServer(t, Config{}, echoAnalyzer(0, ""))
	s.Stop()

	_, err := s.StartSession(context.Background(), rawUnits(1))
	assert.ErrorIs(t, err, rpc.ErrServerStopping)
	assert.Empty(t, s.Stats())
}

func TestSweep(t *testing.T) {
	s := newTestServer(t, Config{Retention: time.Minute}, echoAnalyzer(0, ""))

	id, err := s.StartSession(context.Background(), rawUnits(2))
	require.NoError(t, err)
	waitTerminal(t, s, id)

	assert.Equal(t, 0, s.Sweep(time.Now()), "still within retention")
	assert.Equal(t, 1, s.Sweep(time.Now().Add(2*time.Minute)))

	_, err = s.PollSession(context.Background(), id)
	assert.ErrorIs(t, err, rpc.ErrSessionNotFound)
}
