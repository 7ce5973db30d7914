package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrAuth              = errors.New("authentication required")
	ErrForbidden         = errors.New("access denied")
	ErrUsageExhausted    = errors.New("usage exhausted")
	ErrNetwork           = errors.New("network failure")
	ErrServer            = errors.New("server error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrCanceled          = errors.New("canceled")
)

// Kind represents the category of an access error
type Kind string

const (
	KindAuth              Kind = "auth"
	KindForbidden         Kind = "forbidden"
	KindUsageExhausted    Kind = "usage_exhausted"
	KindNetwork           Kind = "network"
	KindServer            Kind = "server"
	KindMalformedResponse Kind = "malformed_response"
	KindCanceled          Kind = "canceled"
)

// AccessError is the structured error returned by every backend-facing operation.
type AccessError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "fetch_entitlements", "generate")
	StatusCode int    // HTTP status code if a response was received
	Message    string // Server-provided message, surfaced verbatim when present
	Err        error  // Underlying error
	Timestamp  time.Time
	Retryable  bool
}

func (e *AccessError) Error() string {
	detail := e.Message
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		detail = string(e.Kind)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.StatusCode, detail)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, detail)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AccessError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrUsageExhausted:
		return e.Kind == KindUsageExhausted
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrServer:
		return e.Kind == KindServer
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	case ErrCanceled:
		return e.Kind == KindCanceled
	}

	return errors.Is(e.Err, target)
}

// New creates a new AccessError
func New(kind Kind, op string, err error) *AccessError {
	return &AccessError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindNetwork,
	}
}

// WithStatusCode adds the HTTP status code to the error
func (e *AccessError) WithStatusCode(code int) *AccessError {
	e.StatusCode = code
	e.Retryable = e.Kind == KindNetwork || (e.Kind == KindServer && code >= 500)
	return e
}

// WithMessage attaches the server-provided message
func (e *AccessError) WithMessage(msg string) *AccessError {
	e.Message = msg
	return e
}

// FromStatus maps a non-2xx HTTP status onto the error taxonomy.
func FromStatus(op string, status int, message string) *AccessError {
	var kind Kind
	switch status {
	case http.StatusUnauthorized:
		kind = KindAuth
	case http.StatusForbidden:
		kind = KindForbidden
	default:
		kind = KindServer
	}
	return New(kind, op, fmt.Errorf("unexpected status %d", status)).
		WithStatusCode(status).
		WithMessage(message)
}

// Helper functions

// Auth wraps a missing or rejected credential
func Auth(op string, err error) error {
	return New(KindAuth, op, err)
}

// Network wraps a transport failure. Context cancellation is classified
// as KindCanceled so callers can swallow it.
func Network(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return New(KindCanceled, op, err)
	}
	return New(KindNetwork, op, err)
}

// Malformed wraps a 2xx response the client could not use
func Malformed(op string, err error) error {
	return New(KindMalformedResponse, op, err)
}

// Canceled wraps a cooperative abort
func Canceled(op string, err error) error {
	return New(KindCanceled, op, err)
}

// KindOf returns the kind of the first AccessError in the chain, or "".
func KindOf(err error) Kind {
	var accErr *AccessError
	if errors.As(err, &accErr) {
		return accErr.Kind
	}
	return ""
}

// IsCanceled reports whether err is a cancellation that should not be shown
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// IsRetryableError checks if an error may be retried manually
func IsRetryableError(err error) bool {
	var accErr *AccessError
	if errors.As(err, &accErr) {
		return accErr.Retryable
	}
	return errors.Is(err, ErrNetwork)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	return err != nil && errors.Is(err, ErrAuth)
}

// ServerMessage returns the verbatim server message, if any.
func ServerMessage(err error) string {
	var accErr *AccessError
	if errors.As(err, &accErr) {
		return accErr.Message
	}
	return ""
}
