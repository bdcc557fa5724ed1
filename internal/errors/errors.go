// Package errors provides coded application errors shared by the repository,
// service and transport layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeNoActiveStep  Code = "NO_ACTIVE_STEP"
	ErrCodeForbidden     Code = "FORBIDDEN"
	ErrCodeInvalidAction Code = "INVALID_ACTION"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeUnavailable   Code = "UNAVAILABLE"
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeInternal      Code = "INTERNAL"
)

// AppError is an error carrying a Code and an optional underlying cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError with the same code. This lets
// callers compare against the sentinel values below with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound      = &AppError{Code: ErrCodeNotFound}
	ErrNoActiveStep  = &AppError{Code: ErrCodeNoActiveStep}
	ErrForbidden     = &AppError{Code: ErrCodeForbidden}
	ErrInvalidAction = &AppError{Code: ErrCodeInvalidAction}
	ErrConflict      = &AppError{Code: ErrCodeConflict}
	ErrUnavailable   = &AppError{Code: ErrCodeUnavailable}
	ErrInvalidInput  = &AppError{Code: ErrCodeInvalidInput}
	ErrUnauthorized  = &AppError{Code: ErrCodeUnauthorized}
)

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a malformed field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is is errors.Is re-exported so callers importing this package as "errors"
// keep access to it.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As re-exported.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
