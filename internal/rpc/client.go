package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// Client is the SessionService client used by async-session mode. It
// satisfies session.Client[json.RawMessage] and session.Canceller.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection to target. The caller closes the
// returned connection.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewClient(conn), conn, nil
}

// StartSession begins a server-tracked bulk job over units.
func (c *Client) StartSession(ctx context.Context, units []types.WorkUnit[json.RawMessage]) (string, error) {
	req := startRequest{Units: make([]wireUnit, len(units))}
	for i, u := range units {
		req.Units[i] = wireUnit{ID: u.ID, Payload: string(u.Payload)}
	}

	var resp startResponse
	if err := c.invoke(ctx, startSessionMethod, req, &resp); err != nil {
		return "", fmt.Errorf("rpc start session failed: %w", err)
	}
	return resp.SessionID, nil
}

// PollSession fetches the current status of sessionID.
func (c *Client) PollSession(ctx context.Context, sessionID string) (types.RemoteStatus, error) {
	var st types.RemoteStatus
	if err := c.invoke(ctx, pollSessionMethod, sessionRequest{SessionID: sessionID}, &st); err != nil {
		return types.RemoteStatus{}, fmt.Errorf("rpc poll session failed: %w", err)
	}
	return st, nil
}

// CancelSession asks the server to stop sessionID.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	var empty struct{}
	if err := c.invoke(ctx, cancelSessionMethod, sessionRequest{SessionID: sessionID}, &empty); err != nil {
		return fmt.Errorf("rpc cancel session failed: %w", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return fromStatus(err)
	}
	return fromStruct(out, resp)
}
