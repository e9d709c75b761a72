// ============================================================================
// Bulk-Analysis Session RPC - service descriptor
// ============================================================================
//
// Package: internal/rpc
// File: service.go
// Function: gRPC service analysis.v1.SessionService, the transport of
//           async-session mode
//
// Methods (all unary, request and response are google.protobuf.Struct):
//   StartSession  {units: [{id, payload}]}   → {session_id}
//   PollSession   {session_id}               → RemoteStatus
//   CancelSession {session_id}               → {}
//
// The descriptor is written by hand; Struct messages keep the payload shape
// open so any JSON record can be analysed without regenerating code.
//
// ============================================================================

package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "analysis.v1.SessionService"

const (
	startSessionMethod  = "/" + ServiceName + "/StartSession"
	pollSessionMethod   = "/" + ServiceName + "/PollSession"
	cancelSessionMethod = "/" + ServiceName + "/CancelSession"
)

// SessionServer is the server API of SessionService.
type SessionServer interface {
	StartSession(ctx context.Context, units []types.WorkUnit[json.RawMessage]) (string, error)
	PollSession(ctx context.Context, sessionID string) (types.RemoteStatus, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// ServiceDesc describes SessionService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartSession", Handler: unary(startSessionMethod, handleStart)},
		{MethodName: "PollSession", Handler: unary(pollSessionMethod, handlePoll)},
		{MethodName: "CancelSession", Handler: unary(cancelSessionMethod, handleCancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "analysis/v1/session.proto",
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ============================================================================
// Handlers
// ============================================================================

type handlerFunc func(ctx context.Context, srv SessionServer, in *structpb.Struct) (*structpb.Struct, error)

// unary adapts fn to a grpc.MethodHandler, running interceptors like
// generated code does.
func unary(fullMethod string, fn handlerFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return fn(ctx, srv.(SessionServer), req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, call)
	}
}

func handleStart(ctx context.Context, srv SessionServer, in *structpb.Struct) (*structpb.Struct, error) {
	var req startRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode start request: %v", err)
	}

	units := make([]types.WorkUnit[json.RawMessage], len(req.Units))
	for i, u := range req.Units {
		var payload json.RawMessage
		if u.Payload != "" {
			if !json.Valid([]byte(u.Payload)) {
				return nil, status.Errorf(codes.InvalidArgument, "unit %s: payload is not valid JSON", u.ID)
			}
			payload = json.RawMessage(u.Payload)
		}
		units[i] = types.WorkUnit[json.RawMessage]{ID: u.ID, Payload: payload}
	}

	id, err := srv.StartSession(ctx, units)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(startResponse{SessionID: id})
}

func handlePoll(ctx context.Context, srv SessionServer, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionRequest
	if err := fromStruct(in, &req); err != nil || req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}

	st, err := srv.PollSession(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

func handleCancel(ctx context.Context, srv SessionServer, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionRequest
	if err := fromStruct(in, &req); err != nil || req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}

	if err := srv.CancelSession(ctx, req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(struct{}{})
}
