// Package errors provides the typed error contract shared by the escrow core
// and its transport adapters. Errors carry a machine-readable kind and a
// human-readable message; transports decide how kinds map onto their own
// status model.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies a failure. Kinds are part of the public API contract.
type Kind string

const (
	KindUnknown             Kind = "Unknown"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindLimitExceeded       Kind = "LimitExceeded"
	KindInvalidState        Kind = "InvalidState"
	KindInvalid             Kind = "Invalid"
	KindInternal            Kind = "Internal"
)

// Error is the typed error returned by the escrow core.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing ledger entry, hold, or ticket.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// Conflict reports an active hold already existing for a ticket.
func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// InsufficientBalance reports a lock request exceeding the available balance.
func InsufficientBalance(format string, args ...any) *Error {
	return newf(KindInsufficientBalance, format, args...)
}

// LimitExceeded reports a lock request exceeding the caller's claim limit.
func LimitExceeded(format string, args ...any) *Error {
	return newf(KindLimitExceeded, format, args...)
}

// InvalidState reports a release/refund attempt on a non-active hold.
func InvalidState(format string, args ...any) *Error {
	return newf(KindInvalidState, format, args...)
}

// Invalid reports a malformed request.
func Invalid(format string, args ...any) *Error { return newf(KindInvalid, format, args...) }

// Internal wraps an unexpected storage or infrastructure failure.
func Internal(cause error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.cause = cause
	return e
}

// Error implements error.
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// KindOf extracts the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps an error kind to an HTTP status code. Only transport
// adapters should call this; the core never depends on HTTP semantics.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientBalance, KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case KindInvalidState:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
