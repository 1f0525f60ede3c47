package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionExpired marks terminal authentication failure: a 401 could not be
// recovered by the refresh protocol. Match with errors.Is.
var ErrSessionExpired = errors.New("session expired")

// NetworkError reports a request that never produced an HTTP response:
// DNS, refused connections, timeouts, or an open circuit breaker.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from the API. Body holds at most maxBodyBytes.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

// SessionExpiredError wraps the refresh failure that ended the session.
type SessionExpiredError struct {
	Path  string
	Cause error
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Path, ErrSessionExpired, e.Cause)
}

func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }

func (e *SessionExpiredError) Unwrap() error { return e.Cause }

// IsNetwork reports whether err is (or wraps) a *NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AsStatus extracts a *StatusError from err.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
