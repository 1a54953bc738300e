// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	retryable := shared.IsRetryable(err)
	switch {
	case errors.As(err, &validationErrs):
		problem(w, http.StatusBadRequest, "Validation Failed", err.Error(), false)
	case errors.Is(err, shared.ErrValidation):
		problem(w, http.StatusBadRequest, "Validation Failed", err.Error(), false)
	case errors.Is(err, shared.ErrUnauthenticated):
		problem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), false)
	case errors.Is(err, shared.ErrNotFound):
		problem(w, http.StatusNotFound, "Not Found", err.Error(), false)
	case errors.Is(err, shared.ErrInvariant):
		problem(w, http.StatusConflict, "Invariant Violated", err.Error(), retryable)
	case errors.Is(err, shared.ErrConflict):
		problem(w, http.StatusConflict, "Conflict", err.Error(), retryable)
	case errors.Is(err, shared.ErrPrecondition):
		problem(w, http.StatusUnprocessableEntity, "Precondition Failed", err.Error(), false)
	case errors.Is(err, context.DeadlineExceeded):
		problem(w, http.StatusGatewayTimeout, "Timeout", "", true)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// StatusFor reports the status RespondError would write for err.
func StatusFor(err error) int {
	rec := &statusOnly{header: http.Header{}}
	RespondError(rec, err)
	return rec.status
}

type statusOnly struct {
	header http.Header
	status int
}

func (s *statusOnly) Header() http.Header         { return s.header }
func (s *statusOnly) Write(b []byte) (int, error) { return len(b), nil }
func (s *statusOnly) WriteHeader(status int)      { s.status = status }
