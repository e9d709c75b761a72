package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// fakeServer records calls and answers from fixed values.
type fakeServer struct {
	mu        sync.Mutex
	units     []types.WorkUnit[json.RawMessage]
	status    types.RemoteStatus
	cancelled []string
	startErr  error
}

func (f *fakeServer) StartSession(_ context.Context, units []types.WorkUnit[json.RawMessage]) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.units = units
	return "sess-42", nil
}

func (f *fakeServer) PollSession(_ context.Context, id string) (types.RemoteStatus, error) {
	if id != "sess-42" {
		return types.RemoteStatus{}, ErrSessionNotFound
	}
	return f.status, nil
}

func (f *fakeServer) CancelSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func newBufconnClient(t *testing.T, srv SessionServer, opts ...grpc.ServerOption) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(opts...)
	RegisterSessionServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewClient(conn)
}

func intPtr(v int) *int { return &v }

func TestStartSession(t *testing.T) {
	srv := &fakeServer{}
	c := newBufconnClient(t, srv)

	id, err := c.StartSession(context.Background(), []types.WorkUnit[json.RawMessage]{
		{ID: "emp-1", Payload: json.RawMessage(`{"name":"Ada","level":3}`)},
		{ID: "emp-2", Payload: json.RawMessage(`["a","b"]`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-42", id)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.units, 2)
	assert.Equal(t, "emp-1", srv.units[0].ID)
	assert.JSONEq(t, `{"name":"Ada","level":3}`, string(srv.units[0].Payload))
	assert.JSONEq(t, `["a","b"]`, string(srv.units[1].Payload))
}

func TestStartSession_PayloadBytesPreserved(t *testing.T) {
	srv := &fakeServer{}
	c := newBufconnClient(t, srv)

	payload := `{"employee_id":9007199254740993,"salary":123456789012345678,"rate":0.1}`
	_, err := c.StartSession(context.Background(), []types.WorkUnit[json.RawMessage]{
		{ID: "e1", Payload: json.RawMessage(payload)},
		{ID: "e2"},
	})
	require.NoError(t, err)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.units, 2)
	assert.Equal(t, payload, string(srv.units[0].Payload))
	assert.Nil(t, srv.units[1].Payload)
}

func TestStartSession_RejectsMalformedPayload(t *testing.T) {
	_, err := newBufconnClient(t, &fakeServer{}).StartSession(context.Background(), []types.WorkUnit[json.RawMessage]{
		{ID: "e1", Payload: json.RawMessage(`{"employee_id":`)},
	})
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
}

func TestStartSession_ErrorMapping(t *testing.T) {
	srv := &fakeServer{startErr: types.ErrInvalidConfiguration}
	_, err := newBufconnClient(t, srv).StartSession(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)

	srv = &fakeServer{startErr: ErrTooManySessions}
	_, err = newBufconnClient(t, srv).StartSession(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTooManySessions)

	srv = &fakeServer{startErr: ErrServerStopping}
	_, err = newBufconnClient(t, srv).StartSession(context.Background(), nil)
	assert.ErrorIs(t, err, ErrServerStopping)

	srv = &fakeServer{startErr: errors.New("disk full")}
	_, err = newBufconnClient(t, srv).StartSession(context.Background(), nil)
	assert.ErrorContains(t, err, "disk full")
}

func TestPollSession(t *testing.T) {
	srv := &fakeServer{status: types.RemoteStatus{
		State:     types.RemoteInProgress,
		Processed: intPtr(3),
		Total:     intPtr(8),
	}}
	c := newBufconnClient(t, srv)

	st, err := c.PollSession(context.Background(), "sess-42")
	require.NoError(t, err)
	assert.Equal(t, types.RemoteInProgress, st.State)
	require.NotNil(t, st.Processed)
	assert.Equal(t, 3, *st.Processed)
	assert.Equal(t, 8, *st.Total)

	_, err = c.PollSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPollSession_CompletedWithOutcomes(t *testing.T) {
	srv := &fakeServer{status: types.RemoteStatus{
		State:  types.RemoteCompleted,
		Result: map[string]any{"succeeded": 1},
		Outcomes: []types.UnitOutcome{
			{UnitID: "emp-1", Success: true, Result: "ok"},
			{UnitID: "emp-2", Error: "rejected"},
		},
	}}

	st, err := newBufconnClient(t, srv).PollSession(context.Background(), "sess-42")
	require.NoError(t, err)
	assert.Equal(t, types.RemoteCompleted, st.State)
	assert.Nil(t, st.Processed)
	assert.Equal(t, map[string]any{"succeeded": float64(1)}, st.Result)
	require.Len(t, st.Outcomes, 2)
	assert.Equal(t, "rejected", st.Outcomes[1].Error)
}

func TestCancelSession(t *testing.T) {
	srv := &fakeServer{}
	require.NoError(t, newBufconnClient(t, srv).CancelSession(context.Background(), "sess-42"))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"sess-42"}, srv.cancelled)
}

func TestInterceptorRuns(t *testing.T) {
	var methods []string
	var mu sync.Mutex
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		mu.Lock()
		methods = append(methods, info.FullMethod)
		mu.Unlock()
		return handler(ctx, req)
	}

	c := newBufconnClient(t, &fakeServer{}, grpc.UnaryInterceptor(interceptor))
	_, err := c.StartSession(context.Background(), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/analysis.v1.SessionService/StartSession"}, methods)
}
