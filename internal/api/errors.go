package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/gateway"
	"github.com/matheus3301/feedsync/internal/mutation"
	"github.com/matheus3301/feedsync/internal/push"
	"github.com/matheus3301/feedsync/internal/session"
	"github.com/matheus3301/feedsync/internal/view"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var errNoFeed = errors.New("no feed mounted")

// toStatus maps domain errors onto gRPC codes. The message keeps the full
// wrapped error text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	var rej *gateway.RejectionError
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, session.ErrNotLoggedIn), errors.Is(err, errNoFeed):
		return codes.FailedPrecondition
	case errors.Is(err, session.ErrUnknownViewer):
		return codes.InvalidArgument
	case errors.Is(err, feed.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, mutation.ErrPending):
		return codes.FailedPrecondition
	case errors.Is(err, mutation.ErrAborted):
		return codes.Aborted
	case errors.Is(err, mutation.ErrClosed), errors.Is(err, view.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, push.ErrNotConnected):
		return codes.Unavailable
	case gateway.IsNetwork(err):
		return codes.Unavailable
	case errors.As(err, &rej):
		return codeForHTTP(rej.Status)
	}
	return codes.Internal
}

func codeForHTTP(status int) codes.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound, http.StatusGone:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	}
	if status >= 500 {
		return codes.Internal
	}
	return codes.FailedPrecondition
}
