// Package upstream provides the shared HTTP transport and error taxonomy used by
// the National Rail and TfL clients.
package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound marks a station, stop or service that definitively does not
	// exist upstream. It is not retried.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks an upstream auth failure, 5xx, network error, timeout
	// or malformed response. Callers may retry later.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrUnconfigured marks a missing upstream credential. It also matches
	// ErrUnavailable.
	ErrUnconfigured = errors.New("upstream credential not configured")
)

// Error is the error returned by upstream clients. Kind is one of the
// sentinel errors above and is matched with errors.Is.
type Error struct {
	Source     string
	Kind       error
	Message    string
	StatusCode int // upstream HTTP status, 0 when no response was received
	HTTPStatus int // status a caller should surface for this error
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports an unconfigured credential as a permanent ErrUnavailable.
func (e *Error) Is(target error) bool {
	return e.Kind == ErrUnconfigured && target == ErrUnavailable
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NotFound builds an ErrNotFound error.
func NotFound(source, message string) *Error {
	return &Error{Source: source, Kind: ErrNotFound, Message: message, HTTPStatus: http.StatusNotFound}
}

// Unavailable builds an ErrUnavailable error surfaced as 503.
func Unavailable(source, message string, err error) *Error {
	return &Error{Source: source, Kind: ErrUnavailable, Message: message, HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

// BadGateway builds an ErrUnavailable error surfaced as 502, used for
// responses that arrived but could not be understood.
func BadGateway(source, message string, err error) *Error {
	return &Error{Source: source, Kind: ErrUnavailable, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// Unconfigured builds an ErrUnconfigured error.
func Unconfigured(source, message string) *Error {
	return &Error{Source: source, Kind: ErrUnconfigured, Message: message, HTTPStatus: http.StatusServiceUnavailable}
}

// HTTPStatus maps an error to the status a caller should respond with.
func HTTPStatus(err error) int {
	var upErr *Error
	if errors.As(err, &upErr) && upErr.HTTPStatus != 0 {
		return upErr.HTTPStatus
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
