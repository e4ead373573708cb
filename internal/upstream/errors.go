package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	// KindConnection means the request never reached the backend.
	KindConnection Kind = iota + 1
	// KindTimeout means no complete response arrived before the deadline.
	KindTimeout
	// KindStatus means the backend answered with a non-200 status.
	KindStatus
	// KindMalformed means a 200 response body was not the expected JSON object.
	KindMalformed
	// KindCanceled means the caller went away before the backend answered.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	default:
		if e.Err == nil {
			return "upstream " + e.Kind.String()
		}
		return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the upstream failure class carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var upstreamErr *Error
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Kind, true
	}
	return 0, false
}

// classifyTransportError maps a round-trip or body-read failure onto a Kind.
// Callers check their own deadline first; here a failed dial is always a
// connection failure even when the dialer gave up on its own timeout.
func classifyTransportError(err error) Kind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnection
}
