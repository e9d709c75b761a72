// ============================================================================
// Bulk-Analysis Session Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Server half of async-session mode. Each StartSession runs a
//           sync-mode Coordinator server-side; PollSession reports its
//           progress and outcome.
//
// Session lifecycle:
//   StartSession → uuid session ID, Coordinator.Start(units, sync)
//   PollSession  → running   : in-progress {processed, total}
//                  completed : completed   {result, outcomes}
//                  failed / timed-out / cancelled : error {error}
//   CancelSession → Coordinator.Cancel()
//
// Retention:
//   Terminal sessions stay pollable for Retention, then the sweep loop
//   evicts them and PollSession returns NotFound.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bulk-analysis/internal/batch"
	"github.com/ChuLiYu/bulk-analysis/internal/controller"
	"github.com/ChuLiYu/bulk-analysis/internal/rpc"
	"github.com/ChuLiYu/bulk-analysis/internal/worker"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

const (
	// DefaultRetention is how long a terminal session stays pollable.
	DefaultRetention = 10 * time.Minute
	// DefaultSweepInterval is the period of the eviction loop.
	DefaultSweepInterval = time.Minute
)

// Config tunes the session server.
type Config struct {
	Coordinator   controller.Config // per-session batch size and pacing
	MaxSessions   int               // running sessions limit, 0 = unlimited
	Retention     time.Duration
	SweepInterval time.Duration
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Analyzer worker.Analyzer[json.RawMessage]
	Recorder controller.Recorder
	Metrics  controller.Metrics
	Logger   *slog.Logger
}

// sessionInfo tracks one server-side session.
type sessionInfo struct {
	ID        string
	JobID     types.JobID
	Units     int
	CreatedAt time.Time
	coord     *controller.Coordinator[json.RawMessage]
}

// Server implements rpc.SessionServer.
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionInfo

	stopCh  chan struct{}
	stopped bool
	loopWg  sync.WaitGroup
}

var _ rpc.SessionServer = (*Server)(nil)

// NewServer creates a session server.
func NewServer(config Config, deps Deps) (*Server, error) {
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("%w: session server needs an analyzer", types.ErrInvalidConfiguration)
	}
	if err := config.Coordinator.Validate(); err != nil {
		return nil, err
	}
	if config.MaxSessions < 0 {
		return nil, fmt.Errorf("%w: negative session limit", types.ErrInvalidConfiguration)
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:   config,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*sessionInfo),
		stopCh:   make(chan struct{}),
	}, nil
}

// StartSession begins a server-side bulk job over units.
func (s *Server) StartSession(ctx context.Context, units []types.WorkUnit[json.RawMessage]) (string, error) {
	if err := batch.CheckIDs(units); err != nil {
		return "", err
	}

	// Held until the session is registered so the limit and Stop both see it.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", rpc.ErrServerStopping
	}
	if s.config.MaxSessions > 0 && s.runningLocked() >= s.config.MaxSessions {
		return "", fmt.Errorf("%w: limit %d", rpc.ErrTooManySessions, s.config.MaxSessions)
	}

	coord, err := controller.NewCoordinator(s.config.Coordinator, controller.Deps[json.RawMessage]{
		Analyzer: s.deps.Analyzer,
		Recorder: s.deps.Recorder,
		Metrics:  s.deps.Metrics,
		Logger:   s.logger,
	})
	if err != nil {
		return "", err
	}

	// The session outlives the StartSession RPC.
	jobID, err := coord.Start(context.WithoutCancel(ctx), units, types.ModeSync)
	if err != nil {
		return "", err
	}

	info := &sessionInfo{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Units:     len(units),
		CreatedAt: time.Now(),
		coord:     coord,
	}

	s.sessions[info.ID] = info

	s.logger.Info("Session started",
		"session", info.ID,
		"job", jobID,
		"units", len(units))
	return info.ID, nil
}

// PollSession reports the status of sessionID.
func (s *Server) PollSession(_ context.Context, sessionID string) (types.RemoteStatus, error) {
	info, err := s.get(sessionID)
	if err != nil {
		return types.RemoteStatus{}, err
	}
	return statusOf(info.coord), nil
}

// CancelSession stops sessionID. Cancelling a terminal session is a no-op.
func (s *Server) CancelSession(_ context.Context, sessionID string) error {
	info, err := s.get(sessionID)
	if err != nil {
		return err
	}
	if err := info.coord.Cancel(); err != nil && !errors.Is(err, types.ErrNoJob) {
		return err
	}
	s.logger.Info("Session cancel requested", "session", sessionID)
	return nil
}

// statusOf maps the coordinator state to a remote status.
func statusOf(coord *controller.Coordinator[json.RawMessage]) types.RemoteStatus {
	progress := coord.Progress()
	processed, total := progress.Processed, progress.Total

	result, ok := coord.Result()
	if !ok {
		return types.RemoteStatus{
			State:     types.RemoteInProgress,
			Processed: &processed,
			Total:     &total,
		}
	}

	st := types.RemoteStatus{
		Processed: &processed,
		Total:     &total,
		Outcomes:  result.Outcomes,
	}
	switch result.Status {
	case types.StateCompleted:
		st.State = types.RemoteCompleted
		st.Result = map[string]any{
			"job_id":    string(result.JobID),
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		}
	default:
		st.State = types.RemoteError
		st.Error = fmt.Sprintf("session %s", result.Status)
		if result.Error != "" {
			st.Error += ": " + result.Error
		}
	}
	return st
}

// ============================================================================
// Session registry
// ============================================================================

func (s *Server) get(sessionID string) (*sessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rpc.ErrSessionNotFound, sessionID)
	}
	return info, nil
}

// runningLocked counts running sessions. The caller holds s.mu.
func (s *Server) runningLocked() int {
	n := 0
	for _, info := range s.sessions {
		if info.coord.State() == types.StateRunning {
			n++
		}
	}
	return n
}

// Stats counts sessions by state.
func (s *Server) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int)
	for _, info := range s.sessions {
		stats[string(info.coord.State())]++
	}
	return stats
}

// Sweep evicts terminal sessions that finished before now-Retention and
// returns how many were removed.
func (s *Server) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, info := range s.sessions {
		result, ok := info.coord.Result()
		if !ok {
			continue
		}
		if now.Sub(result.FinishedAt) >= s.config.Retention {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Evicted expired sessions", "count", removed)
	}
	return removed
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the eviction loop.
func (s *Server) Start() {
	s.loopWg.Add(1)
	go s.sweepLoop()
}

func (s *Server) sweepLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Stop cancels every running session and stops the eviction loop.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	running := make([]*sessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		running = append(running, info)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.loopWg.Wait()

	for _, info := range running {
		_ = info.coord.Cancel()
	}
	for _, info := range running {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := info.coord.Wait(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("Session did not stop in time", "session", info.ID)
		}
		cancel()
	}
	s.logger.Info("Session server stopped")
}
