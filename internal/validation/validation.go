package validation

import (
	"fmt"
	"net/http"
	"strconv"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
)

// ValidateRequestSize rejects request bodies announced larger than maxSizeBytes.
// Chunked bodies are allowed through and must be bounded by the reader.
func ValidateRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return invalidInput(fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return invalidInput(fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return invalidInput(fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return invalidInput(fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > constants.MaxTimeoutSec {
		return invalidInput(fmt.Sprintf("%s too large (max %d seconds)", fieldName, constants.MaxTimeoutSec))
	}

	return nil
}

// ValidatePageSize checks a requested page or window size. Zero means the
// configured default.
func ValidatePageSize(size int) error {
	if size == 0 {
		return nil
	}
	return ValidateNumericRange(size, "page size", 1, constants.MaxPageSize)
}

// ParseLimit reads an optional positive integer query parameter.
func ParseLimit(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError(name, raw, "must be an integer")
	}
	if err := ValidatePageSize(n); err != nil {
		return 0, err
	}
	return n, nil
}

func invalidInput(msg string) error {
	return errors.New(errors.ErrCodeInvalidInput, msg).WithUserMessage(msg)
}
