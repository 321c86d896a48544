package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass buckets gateway failures so upper layers can decide whether to
// retry without parsing exchange-specific messages.
type ErrorClass string

const (
	ClassConnectivity ErrorClass = "CONNECTIVITY" // network error, timeout
	ClassAuth         ErrorClass = "AUTH"         // bad signature or keys
	ClassRateLimit    ErrorClass = "RATE_LIMIT"   // upstream 429/418
	ClassBadRequest   ErrorClass = "BAD_REQUEST"  // caller bug, never retry
	ClassUpstream     ErrorClass = "UPSTREAM"     // upstream 5xx
	ClassNotFound     ErrorClass = "NOT_FOUND"    // unknown order id
)

// GatewayError is the single error type surfaced by adapters.
type GatewayError struct {
	Class ErrorClass
	Op    string
	Msg   string
	Err   error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError builds a classified adapter error.
func NewGatewayError(class ErrorClass, op, msg string, err error) *GatewayError {
	return &GatewayError{Class: class, Op: op, Msg: msg, Err: err}
}

// ClassOf extracts the class from err; plain errors count as connectivity
// because they come from the transport.
func ClassOf(err error) ErrorClass {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassConnectivity
}

// IsRetryable reports whether a gateway failure is worth retrying.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassConnectivity, ClassRateLimit, ClassUpstream:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code onto an error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return ClassRateLimit
	case status >= 500:
		return ClassUpstream
	default:
		return ClassBadRequest
	}
}
