package httpx

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// HeaderIdempotencyKey carries the client's idempotency key on mutating requests.
const HeaderIdempotencyKey = "Idempotency-Key"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Bind decodes the JSON body into target and validates its struct tags.
func Bind(r *http.Request, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	return validate.Struct(target)
}

// URLUUID parses a uuid chi route parameter.
func URLUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", shared.ErrValidation, name)
	}
	return id, nil
}

// QueryUUID parses an optional uuid query parameter; absent yields uuid.Nil.
func QueryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", shared.ErrValidation, name)
	}
	return id, nil
}

// QueryDate parses an optional YYYY-MM-DD or RFC3339 query parameter.
func QueryDate(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid %s", shared.ErrValidation, name)
	}
	return t, nil
}

// QueryInt parses an optional integer query parameter.
func QueryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid %s", shared.ErrValidation, name)
	}
	return v, nil
}
