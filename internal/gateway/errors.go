package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"backend_gateway/internal/supervisor"
	"backend_gateway/internal/upstream"
)

const RequestIDHeader = "X-Request-Id"

const (
	CategoryNone               = "none"
	CategoryBackendUnavailable = "backend_unavailable"
	CategoryConnection         = "connection_failed"
	CategoryTimeout            = "timeout"
	CategoryUpstreamStatus     = "upstream_status"
	CategoryMalformed          = "malformed_response"
	CategoryInvalidPayload     = "invalid_payload"
	CategoryPayloadTooLarge    = "payload_too_large"
	CategoryInternal           = "internal_error"
	CategoryCanceled           = "client_canceled"
)

const (
	msgLaunchFailed    = "Failed to start backend process"
	msgUnreachable     = "Backend unreachable"
	msgTimeout         = "Backend request timed out"
	msgUpstreamStatus  = "Backend returned an error"
	msgMalformed       = "Invalid JSON response from backend"
	msgInvalidPayload  = "Request body must be valid JSON"
	msgPayloadTooLarge = "Request body too large"
	msgInternal        = "Internal server error"
	msgCanceled        = "Request canceled"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Category  string `json:"category"`
	RequestID string `json:"request_id"`
}

// Failure is a classified error ready to be written to the client. Err keeps
// the full cause for logging and is never sent.
type Failure struct {
	Status   int
	Category string
	Message  string
	Details  string
	Err      error
}

// Classify maps a supervisor or upstream error onto a client response by
// inspecting its type, never its text.
func Classify(err error) Failure {
	var launchErr *supervisor.LaunchError
	if errors.As(err, &launchErr) || errors.Is(err, supervisor.ErrClosed) {
		return Failure{Status: http.StatusServiceUnavailable, Category: CategoryBackendUnavailable, Message: msgLaunchFailed, Err: err}
	}

	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) {
		switch upstreamErr.Kind {
		case upstream.KindConnection:
			return Failure{Status: http.StatusServiceUnavailable, Category: CategoryConnection, Message: msgUnreachable, Details: causeText(upstreamErr), Err: err}
		case upstream.KindTimeout:
			return Failure{Status: http.StatusGatewayTimeout, Category: CategoryTimeout, Message: msgTimeout, Details: causeText(upstreamErr), Err: err}
		case upstream.KindStatus:
			return Failure{Status: http.StatusInternalServerError, Category: CategoryUpstreamStatus, Message: msgUpstreamStatus, Details: upstreamErr.Body, Err: err}
		case upstream.KindMalformed:
			return Failure{Status: http.StatusInternalServerError, Category: CategoryMalformed, Message: msgMalformed, Details: causeText(upstreamErr), Err: err}
		case upstream.KindCanceled:
			// The client is gone; only the access log sees this.
			return Failure{Status: http.StatusServiceUnavailable, Category: CategoryCanceled, Message: msgCanceled, Err: err}
		}
	}

	// The caller gave up while a launch was still in flight.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Failure{Status: http.StatusServiceUnavailable, Category: CategoryBackendUnavailable, Message: msgLaunchFailed, Err: err}
	}
	return Failure{Status: http.StatusInternalServerError, Category: CategoryInternal, Message: msgInternal, Err: err}
}

func causeText(err *upstream.Error) string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Error()
}

func WriteError(w http.ResponseWriter, requestID string, failure Failure) {
	if recorder, ok := w.(errorCategoryWriter); ok {
		recorder.SetErrorCategory(failure.Category)
	}
	w.Header().Set(RequestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(failure.Status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:     failure.Message,
		Details:   failure.Details,
		Category:  failure.Category,
		RequestID: requestID,
	})
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok
}

func NewRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
