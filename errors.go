package calltrack

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when a call is started on a closed Tracker.
	ErrClosed = errors.New("tracker is closed")
	// ErrDuplicateKey is returned when a call is started with a key that is already pending.
	ErrDuplicateKey = errors.New("correlation key already pending")
	// ErrInstrumentationPanic wraps a panic recovered from an estimator or a backend.
	ErrInstrumentationPanic = errors.New("instrumentation panicked")
)

// ResponseError is a call failure that may carry the partial response received before the
// failure, e.g. a non-2xx status or a body that could not be read to the end.
type ResponseError struct {
	Err      error
	Response *Response
}

// Error implements error.
func (e *ResponseError) Error() string {
	if e.Err == nil {
		return "call failed"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ResponseError) Unwrap() error {
	return e.Err
}

// StatusError reports a response whose status code was classified as a failure.
type StatusError struct {
	StatusCode int
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// recoverInto converts a recovered panic into an error stored in *errp. It must be deferred
// directly.
func recoverInto(errp *error, op string) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("%w in %s: %v", ErrInstrumentationPanic, op, r)
	}
}
