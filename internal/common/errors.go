package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for the four failure kinds surfaced by the relay and the checkout machine.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeUpstream      = "UPSTREAM_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
	// Type tags upstream failures for clients (e.g. "payment_error").
	Type string
	// Required lists the request fields a validation failure expects.
	Required []string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Validation reports bad or missing caller input.
func Validation(message string, required ...string) *AppError {
	e := NewAppError(CodeValidation, message, http.StatusBadRequest, nil)
	if len(required) > 0 {
		e.Required = required
	}
	return e
}

// Configuration reports a deployment misconfiguration.
func Configuration(message string) *AppError {
	return NewAppError(CodeConfiguration, message, http.StatusInternalServerError, nil)
}

// Upstream reports a non-success or unreadable answer from the remote gateway. A zero
// status is reported as 502.
func Upstream(message string, status int, details any, err error) *AppError {
	if status <= 0 {
		status = http.StatusBadGateway
	}
	e := NewAppError(CodeUpstream, message, status, err)
	e.Details = details
	return e
}

// Internal wraps an unexpected failure. The cause is kept for logs only.
func Internal(err error) *AppError {
	return NewAppError(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// AsAppError extracts the AppError from err, converting anything else into an internal error.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var target *AppError
	if errors.As(err, &target) {
		return target
	}
	return Internal(err)
}

func hasCode(err error, code string) bool {
	var target *AppError
	return errors.As(err, &target) && target.Code == code
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsConfiguration reports whether err is a configuration failure.
func IsConfiguration(err error) bool { return hasCode(err, CodeConfiguration) }

// IsUpstream reports whether err is an upstream failure.
func IsUpstream(err error) bool { return hasCode(err, CodeUpstream) }

// IsInternal reports whether err is an internal failure.
func IsInternal(err error) bool { return hasCode(err, CodeInternal) }
