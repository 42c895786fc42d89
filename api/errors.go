// Package api exposes a limitkit.RateLimiter over HTTP.
//
// Errors are written as Stripe-style JSON bodies:
//
//	{"error": {"type": "rate_limit_error", "code": "limit_exceeded", "message": "..."}}
package api

import (
	"net/http"

	"github.com/nhalm/limitkit"
)

// APIError represents a structured API error response.
type APIError struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Param   string       `json:"param,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
}

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error types.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *APIError) With(message string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// Predefined sentinel errors
var (
	ErrBadRequest         = &APIError{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrUnauthorized       = &APIError{Type: "auth_error", Code: "unauthorized", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrNotFound           = &APIError{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrMethodNotAllowed   = &APIError{Type: "request_error", Code: "method_not_allowed", Message: "Method not allowed", Status: http.StatusMethodNotAllowed}
	ErrPayloadTooLarge    = &APIError{Type: "request_error", Code: "payload_too_large", Message: "Payload too large", Status: http.StatusRequestEntityTooLarge}
	ErrRateLimited        = &APIError{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrInternal           = &APIError{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &APIError{Type: "storage_error", Code: "storage_unavailable", Message: "Service unavailable", Status: http.StatusServiceUnavailable}
)

// NewValidationError creates a validation error with multiple field errors.
func NewValidationError(errors []FieldError) *APIError {
	return &APIError{
		Type:    "validation_error",
		Code:    "invalid_request",
		Message: "Validation failed",
		Errors:  errors,
		Status:  http.StatusBadRequest,
	}
}

// storageError maps a storage failure to the response sent to the client.
// Transient failures become 503 so that callers retry.
func storageError(err error) *APIError {
	if limitkit.IsTransient(err) {
		return ErrServiceUnavailable.With("Storage temporarily unavailable")
	}
	return ErrInternal.With("Storage operation failed")
}
