package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeConflict     = "ALREADY_EXISTS"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeBadRequest   = "BAD_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL_ERROR"
)

// APIError is the categorized failure returned across the service boundary.
// Err holds the underlying cause for logs and is never rendered to clients.
type APIError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	Fields     []string `json:"fields,omitempty"`
	HTTPStatus int      `json:"-"`
	Err        error    `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}

	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithCause attaches the internal cause and returns the same error.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

func New(code string, message string, details string, status int) *APIError {
	return &APIError{Code: code, Message: message, Details: details, HTTPStatus: status}
}

// Validation names every offending field in a single error.
func Validation(message string, fields ...string) *APIError {
	return &APIError{
		Code:       CodeValidation,
		Message:    message,
		Details:    strings.Join(fields, ", "),
		Fields:     fields,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

func Conflict(message string, details string) *APIError {
	return New(CodeConflict, message, details, http.StatusConflict)
}

func Unauthorized(message string) *APIError {
	return New(CodeUnauthorized, message, "", http.StatusUnauthorized)
}

func Forbidden(message string) *APIError {
	return New(CodeForbidden, message, "", http.StatusForbidden)
}

func BadRequest(message string, details string) *APIError {
	return New(CodeBadRequest, message, details, http.StatusBadRequest)
}

func NotFound(message string, details string) *APIError {
	return New(CodeNotFound, message, details, http.StatusNotFound)
}

// Internal hides cause from the client; the message is always generic.
func Internal(cause error) *APIError {
	return New(CodeInternal, "Unexpected server error", "", http.StatusInternalServerError).WithCause(cause)
}

// HasCode reports whether err is an *APIError carrying code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == code
}
