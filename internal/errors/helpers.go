package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// StatusClientClosedRequest is reported when the caller went away first.
const StatusClientClosedRequest = 499

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewTransportError wraps a failure of the gateway. A deadline is a timeout
// worth retrying; a cancellation means the caller gave up and is final.
func NewTransportError(operation string, err error) *AppError {
	switch {
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, fmt.Sprintf("%s canceled", operation)).
			WithContext("operation", operation)
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapRetryable(err, ErrCodeTimeout, fmt.Sprintf("%s timed out", operation)).
			WithContext("operation", operation).
			WithUserMessage("The server did not answer in time, please retry")
	default:
		return WrapRetryable(err, ErrCodeTransport, fmt.Sprintf("%s failed", operation)).
			WithContext("operation", operation).
			WithUserMessage("Load failed, please retry")
	}
}

// NewMalformedEventError describes an event that could not be resolved
func NewMalformedEventError(class, reason string) *AppError {
	return New(ErrCodeMalformedEvent, reason).
		WithContext("event_class", class)
}

func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewRateLimitError tells a client to back off for retryAfterSec seconds.
func NewRateLimitError(retryAfterSec int) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("retry_after_sec", retryAfterSec).
		WithUserMessage("Too many requests, please try again later")
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeCanceled:
		return StatusClientClosedRequest
	case ErrCodeTransport:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code      ErrorCode   `json:"code"`
		Message   string      `json:"message"`
		Retryable bool        `json:"retryable"`
		Context   interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// privateContextKeys never leave the process.
var privateContextKeys = map[string]bool{
	"token":  true,
	"secret": true,
	"body":   true,
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{RequestID: requestID}
	response.Error.Code = GetCode(err)
	response.Error.Message = GetUserMessage(err)

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return response
	}
	response.Error.Retryable = appErr.Retryable

	public := make(map[string]interface{})
	for k, v := range appErr.Context {
		if !privateContextKeys[k] {
			public[k] = v
		}
	}
	if len(public) > 0 {
		response.Error.Context = public
	}
	return response
}
