package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind identifies a failure class surfaced by the core. Kinds map to
// HTTP statuses at the API boundary via HTTPStatus.
type ErrorKind string

const (
	KindEngineUnreachable    ErrorKind = "ENGINE_UNREACHABLE"
	KindContainerNotFound    ErrorKind = "CONTAINER_NOT_FOUND"
	KindEngineError          ErrorKind = "ENGINE_ERROR"
	KindSessionNotFound      ErrorKind = "SESSION_NOT_FOUND"
	KindSessionNotReady      ErrorKind = "SESSION_NOT_READY"
	KindSessionNotActive     ErrorKind = "SESSION_NOT_ACTIVE"
	KindSessionBusy          ErrorKind = "SESSION_BUSY"
	KindFileNotFound         ErrorKind = "FILE_NOT_FOUND"
	KindInvalidArgument      ErrorKind = "INVALID_ARGUMENT"
	KindOperationTimeout     ErrorKind = "OPERATION_TIMEOUT"
	KindMaxContainersReached ErrorKind = "MAX_CONTAINERS_REACHED"
	KindInvalidTimeout       ErrorKind = "INVALID_TIMEOUT"
)

// Error is a classified core failure. It wraps the underlying cause when one
// exists, so errors.Is/As keep working across the boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from a classified error chain. Unclassified
// errors report KindEngineError.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindEngineError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindEngineUnreachable, KindMaxContainersReached:
		return http.StatusServiceUnavailable
	case KindContainerNotFound, KindSessionNotFound, KindFileNotFound:
		return http.StatusNotFound
	case KindSessionNotReady, KindSessionNotActive, KindInvalidArgument, KindInvalidTimeout:
		return http.StatusBadRequest
	case KindSessionBusy:
		return http.StatusConflict
	case KindOperationTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
