package clamd

import (
	"errors"
	"fmt"
)

// Error codes for machine-readable error classification.
const (
	CodePoolExhausted     = "pool_exhausted"
	CodeServerUnavailable = "server_unavailable"
	CodeTransport         = "transport_error"
	CodeTimeout           = "timeout"
	CodeValidation        = "validation_error"
	CodeClosed            = "closed"
)

// Error is the base error type for all client errors.
type Error struct {
	// Code is a machine-readable error code.
	Code string
	// Message is a human-readable error description.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewPoolExhaustedError creates an error indicating no pooled connection became
// free within the pending-acquire timeout.
func NewPoolExhaustedError(msg string, cause error) *Error {
	return &Error{Code: CodePoolExhausted, Message: msg, Cause: cause}
}

// NewServerUnavailableError creates an error indicating the daemon accepted the
// connection but produced no protocol reply, or could not be reached at all during warmup.
func NewServerUnavailableError(msg string, cause error) *Error {
	return &Error{Code: CodeServerUnavailable, Message: msg, Cause: cause}
}

// NewTransportError creates an error indicating a socket-level fault.
func NewTransportError(msg string, cause error) *Error {
	return &Error{Code: CodeTransport, Message: msg, Cause: cause}
}

// NewTimeoutError creates an error indicating the caller's context ended.
func NewTimeoutError(msg string, cause error) *Error {
	return &Error{Code: CodeTimeout, Message: msg, Cause: cause}
}

// NewValidationError creates an error indicating invalid configuration or input.
func NewValidationError(msg string, cause error) *Error {
	return &Error{Code: CodeValidation, Message: msg, Cause: cause}
}

// NewClosedError creates an error indicating the client has been closed.
func NewClosedError(msg string) *Error {
	return &Error{Code: CodeClosed, Message: msg}
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsPoolExhaustedError reports whether err is or wraps a pool exhaustion error.
func IsPoolExhaustedError(err error) bool { return hasCode(err, CodePoolExhausted) }

// IsServerUnavailableError reports whether err is or wraps a server unavailable error.
func IsServerUnavailableError(err error) bool { return hasCode(err, CodeServerUnavailable) }

// IsTransportError reports whether err is or wraps a transport error.
func IsTransportError(err error) bool { return hasCode(err, CodeTransport) }

// IsTimeoutError reports whether err is or wraps a timeout error.
func IsTimeoutError(err error) bool { return hasCode(err, CodeTimeout) }

// IsValidationError reports whether err is or wraps a validation error.
func IsValidationError(err error) bool { return hasCode(err, CodeValidation) }

// IsClosedError reports whether err is or wraps a closed-client error.
func IsClosedError(err error) bool { return hasCode(err, CodeClosed) }
