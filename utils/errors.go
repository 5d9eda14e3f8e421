package utils

import (
	"context"
	"fmt"
	"net/http"
)

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func NewAPIErrorWithDetails(code int, message, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	ErrInvalidRequest = NewAPIError(http.StatusBadRequest, "Invalid request")
	ErrUnauthorized   = NewAPIError(http.StatusUnauthorized, "Unauthorized")
	ErrNotFound       = NewAPIError(http.StatusNotFound, "Resource not found")
	ErrInternalServer = NewAPIError(http.StatusInternalServerError, "Internal server error")
)

var (
	ErrInvalidIdempotencyKey = NewAPIError(http.StatusBadRequest, "Invalid idempotency key")
	ErrInvalidEmail          = NewAPIError(http.StatusBadRequest, "Invalid email address")
	ErrInvalidSubscriberName = NewAPIError(http.StatusBadRequest, "Invalid subscriber name")
	ErrMissingTitle          = NewAPIError(http.StatusBadRequest, "Newsletter title is required")
	ErrMissingBody           = NewAPIError(http.StatusBadRequest, "Newsletter body is required")
	ErrSubscriberNotFound    = NewAPIError(http.StatusNotFound, "Subscriber not found")
	ErrTokenNotFound         = NewAPIError(http.StatusUnauthorized, "Unknown confirmation token")
)

func WrapError(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

func GetHTTPStatusFromError(err error) int {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Code
	}
	return http.StatusInternalServerError
}

func LogError(ctx context.Context, err error, message string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	fields["error"] = err.Error()

	Error(ctx, message, fields)
}
