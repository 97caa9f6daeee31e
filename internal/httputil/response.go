package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/tracing"
	"chatsync/internal/validation"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto an HTTP status and the standard error body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	_ = WriteJSON(w, apperrors.HTTPStatusCode(err), apperrors.ToHTTPResponse(err, requestID))
}

// DecodeJSON reads a bounded JSON body into dst. Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	if err := validation.ValidateRequestSize(r, maxBytes); err != nil {
		return err
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return badBody("request body too large", nil)
		case errors.Is(err, io.EOF):
			return badBody("request body is empty", nil)
		default:
			return badBody("malformed request body", err)
		}
	}
	if dec.More() {
		return badBody("request body must contain a single JSON object", nil)
	}
	return nil
}

func badBody(msg string, cause error) error {
	return apperrors.Wrap(cause, apperrors.ErrCodeInvalidInput, msg).WithUserMessage(msg)
}
