package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

var (
	// ErrSessionNotFound is returned for an unknown or expired session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the server runs its session limit.
	ErrTooManySessions = errors.New("too many running sessions")
	// ErrServerStopping is returned for starts after the server began shutdown.
	ErrServerStopping = errors.New("session server is stopping")
)

// wireUnit carries the payload as its JSON text. Struct numbers are doubles,
// so nesting the payload would round integers above 2^53.
type wireUnit struct {
	ID      string `json:"id"`
	Payload string `json:"payload,omitempty"`
}

type startRequest struct {
	Units []wireUnit `json:"units"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// toStruct converts a JSON-serializable value to a Struct message.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct message into v.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// toStatus maps a server error to a gRPC status.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrTooManySessions):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrServerStopping):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, types.ErrInvalidConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a gRPC status back to the package errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrTooManySessions, st.Message())
	case codes.Unavailable:
		if st.Message() == ErrServerStopping.Error() {
			return fmt.Errorf("%w: %s", ErrServerStopping, st.Message())
		}
		return err
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", types.ErrInvalidConfiguration, st.Message())
	default:
		return err
	}
}
