package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrBadRequest           = errors.New("bad request")
	ErrInternalServer       = errors.New("internal server error")
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEngagementNotFound   = errors.New("engagement not found")
	ErrNotParticipant       = errors.New("not a participant")
)

// Realtime layer taxonomy.
var (
	// ErrTransportUnavailable: the event connection dropped. Recoverable by
	// reconnect and replay of queued sends.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrPersistenceFailure: the durable write was rejected. The message is
	// marked failed and only an explicit retry resends it.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrCredentialExpired: session credential invalid or expired. Surfaces as
	// a session entry failure.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrTrackAttachFailure: a single remote track could not be rendered.
	ErrTrackAttachFailure = errors.New("track attach failure")
)

type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
	}
}

func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrEngagementNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrCredentialExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsTransport reports whether err means the other side could not be reached.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransportUnavailable)
}
