package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/restapi"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps engine and transport errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}

	var apiErr *restapi.APIError
	code := codes.Internal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, intsync.ErrNoActiveConversation):
		code = codes.FailedPrecondition
	case errors.Is(err, intsync.ErrNotFriends):
		code = codes.PermissionDenied
	case errors.Is(err, outbox.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, restapi.ErrUnauthorized), errors.Is(err, auth.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, intsync.ErrStopped),
		errors.Is(err, realtime.ErrNotConnected),
		errors.Is(err, realtime.ErrBufferFull):
		code = codes.Unavailable
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Status == http.StatusNotFound:
			code = codes.NotFound
		case apiErr.Status == http.StatusConflict:
			code = codes.AlreadyExists
		case apiErr.Status < 500:
			code = codes.FailedPrecondition
		default:
			code = codes.Unavailable
		}
	}
	return grpcstatus.Error(code, err.Error())
}
