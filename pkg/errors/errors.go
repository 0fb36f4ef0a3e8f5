// Package errors provides coded application errors that every layer of the
// service shares. Handlers map codes onto HTTP statuses; services use the
// constructors so callers can branch on Code(err) instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCode classifies an application error.
type ErrCode string

const (
	ErrCodeInvalidInput ErrCode = "INVALID_INPUT"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeConflict     ErrCode = "CONFLICT"
	ErrCodeUnavailable  ErrCode = "UNAVAILABLE"
	ErrCodeInternal     ErrCode = "INTERNAL"
)

// Error is a coded application error with an optional wrapped cause.
type Error struct {
	Code    ErrCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a rejected input field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// Code extracts the ErrCode from err, defaulting to ErrCodeInternal.
func Code(err error) ErrCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error's code onto an HTTP status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
