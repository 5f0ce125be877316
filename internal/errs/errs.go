package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary handling and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthInvalid
	KindPermissionDenied
	KindQuotaExceeded
	KindNotFound
	KindNotWaiting
	KindInputMismatch
	KindConflict
	KindValidationFailed
	KindBusUnavailable
	KindStorageUnavailable
	KindPersistenceUnavailable
	KindProtocolViolation
)

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuthInvalid:
		return "auth_invalid"
	case KindPermissionDenied:
		return "permission_denied"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindNotWaiting:
		return "not_waiting"
	case KindInputMismatch:
		return "input_mismatch"
	case KindConflict:
		return "conflict"
	case KindValidationFailed:
		return "validation_failed"
	case KindBusUnavailable:
		return "bus_unavailable"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindPersistenceUnavailable:
		return "persistence_unavailable"
	case KindProtocolViolation:
		return "protocol_violation"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a kind to the status code surfaced at the boundary.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindNotWaiting, KindInputMismatch, KindConflict:
		return http.StatusBadRequest
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	case KindBusUnavailable, KindStorageUnavailable, KindPersistenceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether the kind is a retryable infrastructure failure.
func (k Kind) Transient() bool {
	switch k {
	case KindBusUnavailable, KindStorageUnavailable, KindPersistenceUnavailable:
		return true
	}
	return false
}

// Error is a classified error carrying an optional human diagnostic.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can use errors.Is with sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
