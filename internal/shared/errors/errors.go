package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound            = errors.New("resource not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrPermission          = errors.New("permission denied")
	ErrBadRequest          = errors.New("bad request")
	ErrConflict            = errors.New("conflict")
	ErrInternal            = errors.New("internal error")
	ErrValidation          = errors.New("validation error")
	ErrNoActiveSession     = errors.New("no active session")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrRetryExhausted      = errors.New("retry exhausted")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Permission is returned when the actor lacks the role or relationship an
// operation requires.
func Permission(message string) *AppError {
	return &AppError{
		Err:        ErrPermission,
		Message:    message,
		Code:       "PERMISSION_DENIED",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// NoActiveSession is returned by panic-mode operations invoked without a
// started session.
func NoActiveSession(userID string) *AppError {
	return &AppError{
		Err:        ErrNoActiveSession,
		Message:    "no active panic session",
		Code:       "NO_ACTIVE_SESSION",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"user_id": userID},
	}
}

// UpstreamUnavailable wraps a failed or timed-out collaborator call.
func UpstreamUnavailable(service string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err),
		Message:    fmt.Sprintf("%s unavailable", service),
		Code:       "UPSTREAM_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]string{"service": service},
	}
}

// UpstreamTimeout marks a collaborator call that ran out of time. The
// remote side may still have acted on it. It also matches
// ErrUpstreamUnavailable.
func UpstreamTimeout(service string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w: %v", ErrUpstreamTimeout, ErrUpstreamUnavailable, err),
		Message:    fmt.Sprintf("%s timed out", service),
		Code:       "UPSTREAM_TIMEOUT",
		HTTPStatus: http.StatusGatewayTimeout,
		Details:    map[string]string{"service": service},
	}
}

// RetryExhausted marks a delivery that permanently failed.
func RetryExhausted(id string, attempts int) *AppError {
	return &AppError{
		Err:        ErrRetryExhausted,
		Message:    fmt.Sprintf("delivery failed after %d attempts", attempts),
		Code:       "RETRY_EXHAUSTED",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]string{"id": id},
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
