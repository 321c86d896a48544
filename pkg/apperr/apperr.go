// Package apperr classifies errors crossing use-case boundaries so that
// transport layers can map them to protocol status codes without inspecting
// error text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error classes the core distinguishes.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindAuth         Kind = "AUTH"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindConnectivity Kind = "EXCHANGE_CONNECTIVITY"
	KindRejected     Kind = "EXCHANGE_REJECTED"
	KindRateLimit    Kind = "RATE_LIMIT"
	KindInvariant    Kind = "INVARIANT"
	KindInternal     Kind = "INTERNAL"
)

// Error carries a kind alongside the message and optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err; unclassified errors are Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error class is safe to retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnectivity, KindRateLimit:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind onto the closest HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvariant:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindConnectivity:
		return http.StatusBadGateway
	case KindRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
