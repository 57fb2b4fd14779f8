// Package apperr defines the tagged error type shared by every stage of the
// answering pipeline. Upstream SDK errors are decoded into an *Error once, at
// the service boundary, and carried unchanged from there on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an Error.
type Kind string

const (
	KindClient                Kind = "client_error"
	KindInvalidInput          Kind = "invalid_input"
	KindConfiguration         Kind = "configuration_error"
	KindPIIDetectionFailed    Kind = "pii_detection_failed"
	KindGuardrailIntervention Kind = "guardrail_intervention"
	KindUpstreamThrottled     Kind = "upstream_throttled"
	KindUpstreamError         Kind = "upstream_error"
	KindTimeout               Kind = "timeout"
)

// Error is the single error shape used across package boundaries.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	StatusCode int
	Retryable  bool
	// Code is the upstream error code (for example "ThrottlingException").
	Code string
	// Missing lists required configuration keys that were not set.
	Missing []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindTimeout})
// works without comparing the remaining fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorCode exposes the upstream code to retry classifiers.
func (e *Error) ErrorCode() string { return e.Code }

// HTTPStatus maps the error kind to the status returned to HTTP callers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindClient, KindInvalidInput:
		return http.StatusBadRequest
	case KindGuardrailIntervention:
		return http.StatusOK
	case KindUpstreamThrottled:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As is a shorthand for errors.As into *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
