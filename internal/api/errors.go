package api

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/finlink/internal/apierr"
	"github.com/matheus3301/finlink/internal/registry"
)

var ErrNotAuthenticated = errors.New("not signed in")

var kindCodes = map[apierr.Kind]codes.Code{
	apierr.KindValidation:   codes.InvalidArgument,
	apierr.KindUnauthorized: codes.Unauthenticated,
	apierr.KindForbidden:    codes.PermissionDenied,
	apierr.KindNotFound:     codes.NotFound,
	apierr.KindTimeout:      codes.DeadlineExceeded,
	apierr.KindNetwork:      codes.Unavailable,
	apierr.KindServer:       codes.Unavailable,
	apierr.KindUnknown:      codes.Internal,
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, registry.ErrUnknownConversation), errors.Is(err, registry.ErrUnknownMessage):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, registry.ErrReset):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, registry.ErrNotFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrNotAuthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		code, ok := kindCodes[apiErr.Kind]
		if !ok {
			code = codes.Internal
		}
		return status.Error(code, apiErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
