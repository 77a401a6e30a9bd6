// Package errs defines the service error taxonomy. Every error that crosses a
// service boundary is an *Error carrying a stable Kind string, so peers can
// switch on type without parsing messages.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Kind is the stable wire identifier for an error class.
type Kind string

const (
	KindValidation         Kind = "Validation"
	KindAuthentication     Kind = "Authentication"
	KindAuthorization      Kind = "Authorization"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindRateLimit          Kind = "RateLimit"
	KindBusinessRule       Kind = "BusinessRule"
	KindTimeout            Kind = "Timeout"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindBroker             Kind = "Broker"
	KindStorage            Kind = "Storage"
	KindUpstream           Kind = "Upstream"
	KindInternal           Kind = "Internal"
)

// Error is the canonical service error.
type Error struct {
	Kind          Kind   `json:"type"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     string `json:"timestamp"`
	Details       string `json:"details,omitempty"`
	Stack         string `json:"stack,omitempty"`
	underlying    error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is matches any *Error of the same Kind, so errors.Is(err, errs.NotFound(""))
// style checks work alongside sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// devMode controls stack capture for server-class errors.
var devMode atomic.Bool

// SetDevMode enables stack traces on server-class errors. Production leaves
// this off.
func SetDevMode(on bool) {
	devMode.Store(on)
}

func newError(kind Kind, underlying error, format string, args ...any) *Error {
	e := &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		underlying: underlying,
	}
	if devMode.Load() && HTTPStatus(kind) >= 500 {
		buf := make([]byte, 4096)
		e.Stack = string(buf[:runtime.Stack(buf, false)])
	}
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return newError(kind, nil, format, args...)
}

// Wrap attaches a kind and message to an existing error. A nil err yields nil.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return newError(kind, err, format, args...)
}

// Constructors per kind.

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

func Authentication(format string, args ...any) *Error {
	return newError(KindAuthentication, nil, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newError(KindAuthorization, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, nil, format, args...)
}

func RateLimit(format string, args ...any) *Error {
	return newError(KindRateLimit, nil, format, args...)
}

func BusinessRule(format string, args ...any) *Error {
	return newError(KindBusinessRule, nil, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return newError(KindTimeout, nil, format, args...)
}

func ServiceUnavailable(format string, args ...any) *Error {
	return newError(KindServiceUnavailable, nil, format, args...)
}

func Broker(format string, args ...any) *Error {
	return newError(KindBroker, nil, format, args...)
}

func Storage(format string, args ...any) *Error {
	return newError(KindStorage, nil, format, args...)
}

func Upstream(format string, args ...any) *Error {
	return newError(KindUpstream, nil, format, args...)
}

func Internal(format string, args ...any) *Error {
	return newError(KindInternal, nil, format, args...)
}

// WithDetails returns a copy carrying extra diagnostic detail.
func (e *Error) WithDetails(details string) *Error {
	c := *e
	c.Details = details
	return &c
}

// WithCorrelation returns a copy tagged with the request's correlation id.
func (e *Error) WithCorrelation(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies an arbitrary error. Context cancellation and deadline
// expiry map to Timeout; anything unrecognized is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// httpStatus maps each kind to its fixed transport status.
var httpStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindAuthentication:     http.StatusUnauthorized,
	KindAuthorization:      http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindRateLimit:          http.StatusTooManyRequests,
	KindBusinessRule:       http.StatusUnprocessableEntity,
	KindTimeout:            http.StatusGatewayTimeout,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindBroker:             http.StatusInternalServerError,
	KindStorage:            http.StatusInternalServerError,
	KindUpstream:           http.StatusBadGateway,
	KindInternal:           http.StatusInternalServerError,
}

// HTTPStatus returns the status code for a kind. Unknown kinds are treated as
// Internal.
func HTTPStatus(kind Kind) int {
	if code, ok := httpStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// StatusOf classifies err and returns its transport status.
func StatusOf(err error) int {
	return HTTPStatus(KindOf(err))
}
