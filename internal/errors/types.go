package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a failure for logs and for the HTTP API.
type ErrorCode string

const (
	// Timeline Store
	ErrCodeDatabaseQuery ErrorCode = "DATABASE_QUERY"

	// Gateway transport. Timeouts are retryable, cancellations are not.
	ErrCodeTransport ErrorCode = "TRANSPORT"
	ErrCodeTimeout   ErrorCode = "TIMEOUT"
	ErrCodeCanceled  ErrorCode = "CANCELED"

	// Incoming event stream
	ErrCodeMalformedEvent ErrorCode = "MALFORMED_EVENT"

	// API callers
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

const defaultUserMessage = "An internal error occurred"

// AppError carries a code, a retry hint and structured context through
// wrapped error chains.
type AppError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserMessage string                 `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the text shown to API callers instead of the
// generic internal error message.
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err, Retryable: true}
}

// IsRetryable checks if an error, or any AppError it wraps, is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Retryable
}

// GetCode returns the code of the outermost AppError in err's chain, or
// ErrCodeInternalError when there is none.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

func GetUserMessage(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return defaultUserMessage
}
