// Package errs defines the error taxonomy shared by every component. A Kind
// is a closed, compile-time enumerated set; callers branch on Kind, never on
// message text.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a tagged error category. It never carries implementation detail —
// the message field does.
type Kind string

const (
	KindValidation     Kind = "validationError"
	KindPolicyViolation Kind = "policyViolation"
	KindAuthFailed     Kind = "authFailed"
	KindNotFound       Kind = "notFound"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rateLimited"
	KindTransport      Kind = "transport"
	KindTimeout        Kind = "timeout"
	KindPayloadTooLarge Kind = "payloadTooLarge"
	KindRollbackFailed Kind = "rollbackFailed"
	KindInternal       Kind = "internal"
)

// Retryable reports whether a Deployment Engine step should retry an error of
// this kind. Apply and verify steps never retry regardless of this value —
// they proceed straight to rollback.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code surfaced on the operator API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindPolicyViolation:
		return http.StatusForbidden
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransport, KindTimeout:
		return http.StatusBadGateway
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRollbackFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type every component returns. Message is
// human-readable; Details carries field-level context (e.g. validation
// errors); CorrelationID ties a client-visible failure to a server log line.
type Error struct {
	Kind          Kind
	Message       string
	Details       map[string]string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches field-level detail and returns the receiver for chaining.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// WithCorrelationID attaches the log correlation id and returns the receiver.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
