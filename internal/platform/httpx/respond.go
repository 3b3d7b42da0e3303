// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

// Bind decodes the body and runs struct validation. Both failures are
// reported as validation errors. An empty body binds the zero value.
func Bind(r *http.Request, target any) error {
	if err := DecodeJSON(r, target); err != nil && !errors.Is(err, io.EOF) {
		return shared.ValidationError("malformed request body: %v", err)
	}
	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return shared.ValidationError("%s", strings.Join(fields, "; "))
		}
		return shared.ValidationError("%v", err)
	}
	return nil
}

// QueryInt64 parses a positive integer query parameter; missing yields def.
func QueryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, shared.ValidationError("%s must be a non-negative integer", name)
	}
	return v, nil
}

// QueryDate parses a YYYY-MM-DD query parameter.
func QueryDate(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, shared.ValidationError("%s required", name)
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, shared.ValidationError("%s must be a date (YYYY-MM-DD)", name)
	}
	return t, nil
}
