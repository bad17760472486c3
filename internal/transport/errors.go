package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"cachering/internal/peer"
)

// ErrInvalidArgument is returned for requests the node refused to serve.
var ErrInvalidArgument = errors.New("transport: invalid argument")

// toStatus converts a server-side error into a gRPC status error.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, peer.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus converts an RPC error into the errors callers test with
// errors.Is: context errors, ErrInvalidArgument or peer.ErrUnavailable.
func fromStatus(nodeID string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s: %w", peer.ErrUnavailable, nodeID, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", nodeID, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", nodeID, context.Canceled)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s: %s", peer.ErrUnavailable, nodeID, st.Code(), st.Message())
	}
}
