package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
)

// IsRejection reports whether err means the broker refused the message itself.
// Rejections are not transient: resending the same message will fail again.
// Only JetStream API errors in the 4xx class count; 5xx API errors are the
// server's own trouble and are reported by IsUnavailable instead.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrInvalidMsg):
		return true
	}
	apiErr, ok := apiError(err)
	return ok && apiErr.Code >= http.StatusBadRequest && apiErr.Code < http.StatusInternalServerError
}

// IsUnavailable reports whether the broker answered but cannot store messages
// right now: no stream responded (a stream leader may be recovering) or
// JetStream returned a server-side error such as insufficient resources. The
// connection itself is healthy.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		return true
	}
	apiErr, ok := apiError(err)
	return ok && apiErr.Code >= http.StatusInternalServerError
}

// IsTimeout reports whether err is a publish deadline expiring.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout)
}

// RejectionReason returns a short operator-facing description of a rejection.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, nats.ErrMaxPayload):
		return "message too large"
	case errors.Is(err, nats.ErrBadSubject):
		return "invalid subject"
	case errors.Is(err, nats.ErrInvalidMsg):
		return "invalid message"
	}
	if apiErr, ok := apiError(err); ok {
		if apiErr.ErrorCode == nats.JSErrCodeStreamNotFound {
			return "no stream for subject"
		}
		return fmt.Sprintf("jetstream error %d: %s", apiErr.ErrorCode, apiErr.Description)
	}
	return err.Error()
}

func apiError(err error) (*nats.APIError, bool) {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
