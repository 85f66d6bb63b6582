package usecase

import (
	"errors"
	"fmt"

	"chat-gateway/internal/repository"
)

type ErrorCode string

const (
	ErrorValidation  ErrorCode = "VALIDATION_ERROR"
	ErrorNotFound    ErrorCode = "NOT_FOUND"
	ErrorConflict    ErrorCode = "CONFLICT"
	ErrorRateLimited ErrorCode = "RATE_LIMITED"
	ErrorUpstream    ErrorCode = "UPSTREAM_ERROR"
	ErrorStore       ErrorCode = "STORE_ERROR"
	ErrorInternal    ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Detail is the caller-facing explanation: the explicit message if set,
// otherwise the wrapped error for upstream failures so the provider's own
// message reaches the caller.
func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if (e.Code == ErrorUpstream || e.Code == ErrorRateLimited) && e.Err != nil {
		return e.Err.Error()
	}
	return e.Reason
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func validationError(reason, msg string) *Error {
	return &Error{Code: ErrorValidation, Reason: reason, Message: msg}
}

func notFoundError(reason, msg string) *Error {
	return &Error{Code: ErrorNotFound, Reason: reason, Message: msg}
}

// storeError classifies a repository failure. Absent keys and version
// conflicts are reported by the callers, which know what was missing.
func storeError(reason string, err error) *Error {
	if errors.Is(err, repository.ErrVersionConflict) {
		return &Error{Code: ErrorConflict, Reason: "version_conflict", Message: "record was modified concurrently; retry the request", Err: err}
	}
	return newError(ErrorStore, reason, err)
}
