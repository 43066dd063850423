package sentry

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/pkg/errors"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind classifies a failed API call.
type ErrorKind string

const (
	KindNoCredential  ErrorKind = "no_credential"
	KindAuthExpired   ErrorKind = "auth_expired"
	KindAccessDenied  ErrorKind = "access_denied"
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindRequestFailed ErrorKind = "request_failed"
)

// Retryable reports whether a call that failed with this kind may be attempted again.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindNetwork
}

// APIError is returned by every Client call that does not succeed.
// Message is always safe to show to an end user.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches another *APIError of the same kind, so callers can write
// errors.Is(err, sentry.ErrAuthExpired).
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoCredential  = &APIError{Kind: KindNoCredential, Message: "no authentication token found, please log in"}
	ErrAuthExpired   = &APIError{Kind: KindAuthExpired, Message: "session expired, please log in again"}
	ErrAccessDenied  = &APIError{Kind: KindAccessDenied, Message: "access denied"}
	ErrTimeout       = &APIError{Kind: KindTimeout, Message: "request timed out"}
	ErrNetwork       = &APIError{Kind: KindNetwork, Message: "network request failed"}
	ErrRequestFailed = &APIError{Kind: KindRequestFailed, Message: "request failed"}
)

// KindOf extracts the ErrorKind from err, or "" if err is not an *APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func newAPIError(kind ErrorKind, status int, message string, cause error) *APIError {
	return &APIError{Kind: kind, Status: status, Message: message, Err: cause}
}

// classifyTransportError maps an error from http.Client.Do into Timeout or Network.
// The message carries the innermost cause only, never the request URL.
func classifyTransportError(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(KindTimeout, 0, ErrTimeout.Message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newAPIError(KindTimeout, 0, ErrTimeout.Message, err)
	}

	msg := err.Error()
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		msg = urlErr.Err.Error()
	}
	return newAPIError(KindNetwork, 0, "network request failed: "+msg, err)
}

// exhaustedError is what a retryable failure becomes once the attempt budget is spent.
func exhaustedError(last *APIError) *APIError {
	if last.Kind == KindNetwork {
		return last
	}
	return newAPIError(KindNetwork, 0, ErrNetwork.Message+": "+last.Message, last)
}
