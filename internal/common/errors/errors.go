// Package errors provides application error types shared across the agent.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeBadRequest            = "BAD_REQUEST"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	ErrCodeNotConnected          = "NOT_CONNECTED"
	ErrCodeCredentialUnavailable = "CREDENTIAL_UNAVAILABLE"
	ErrCodeInvalidJob            = "INVALID_JOB"
	ErrCodeSpawnFailure          = "SPAWN_FAILURE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotConnected creates an error for operations that require an orchestrator session.
func NotConnected() *AppError {
	return &AppError{
		Code:       ErrCodeNotConnected,
		Message:    "not connected to orchestrator",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// CredentialUnavailable creates an error for operations that require a machine key.
func CredentialUnavailable() *AppError {
	return &AppError{
		Code:       ErrCodeCredentialUnavailable,
		Message:    "machine credential is not available; register the machine first",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidJob creates an error for a malformed job descriptor.
func InvalidJob(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidJob,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// SpawnFailure creates an error for a process the OS refused to start.
func SpawnFailure(err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailure,
		Message:    "failed to spawn job process",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError extracts an *AppError from err, or wraps err as an internal error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error(), err)
}
