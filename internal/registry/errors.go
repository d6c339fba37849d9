package registry

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes registry errors.
type ErrorCode string

const (
	// ErrCodeUnavailable covers timeouts, refused connections, non-2xx
	// responses on non-tolerant calls and undecodable response bodies.
	ErrCodeUnavailable ErrorCode = "REGISTRY_UNAVAILABLE"
)

// maxBodyExcerpt bounds the response text kept on an Error.
const maxBodyExcerpt = 512

// Error is a failed registry call.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the client operation, e.g. "find_products".
	Op string

	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int

	// Body is a bounded excerpt of the response body.
	Body string

	// Err is the underlying transport or decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: %s: status %d: %s", e.Code, e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s: status %d", e.Code, e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Op)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Unavailable builds an ErrCodeUnavailable error for op.
func Unavailable(op string, err error) *Error {
	return &Error{Code: ErrCodeUnavailable, Op: op, Err: err}
}

// statusError builds an ErrCodeUnavailable error from a non-2xx response.
func statusError(op string, status int, body []byte) *Error {
	excerpt := string(body)
	if len(excerpt) > maxBodyExcerpt {
		excerpt = excerpt[:maxBodyExcerpt] + "..."
	}
	return &Error{Code: ErrCodeUnavailable, Op: op, StatusCode: status, Body: excerpt}
}

// IsUnavailable reports whether err is a registry unavailability error.
// Uses errors.As to handle wrapped errors.
func IsUnavailable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeUnavailable
	}
	return false
}

// StatusCode extracts the HTTP status from a registry error, or 0.
func StatusCode(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}
