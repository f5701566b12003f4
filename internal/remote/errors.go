package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRetryable matches failures worth retrying later (timeouts, 5xx, throttling).
	ErrRetryable = errors.New("remote: retryable failure")
	// ErrPermanent matches explicit rejections of the request content (4xx validation).
	ErrPermanent = errors.New("remote: permanent rejection")
	// ErrUnreachable matches failures where no response arrived at all; it is also retryable.
	ErrUnreachable = errors.New("remote: unreachable")
)

// Error describes a failed remote call.
type Error struct {
	StatusCode int
	Message    string
	kind       error
	cause      error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%v: status %d: %s", e.kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: status %d", e.kind, e.StatusCode)
	case e.cause != nil:
		return fmt.Sprintf("%v: %v", e.kind, e.cause)
	default:
		return e.kind.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is the classification of e.
func (e *Error) Is(target error) bool {
	if target == e.kind {
		return true
	}
	return e.kind == ErrUnreachable && target == ErrRetryable
}

// IsRetryable reports whether err should be retried later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsPermanent reports whether err is an explicit rejection.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

func unreachable(cause error) error {
	return &Error{kind: ErrUnreachable, cause: cause}
}

func classifyStatus(statusCode int, message string) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	kind := ErrPermanent
	switch {
	case statusCode >= 500:
		kind = ErrRetryable
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		kind = ErrRetryable
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		// The session is refreshed outside the agent; the payload itself is fine.
		kind = ErrRetryable
	}
	return &Error{StatusCode: statusCode, Message: message, kind: kind}
}

// StatusError classifies a non-2xx response the same way the client does.
func StatusError(statusCode int, message string) error {
	return classifyStatus(statusCode, message)
}

// UnreachableError wraps a transport failure where no response arrived.
func UnreachableError(cause error) error {
	return unreachable(cause)
}
