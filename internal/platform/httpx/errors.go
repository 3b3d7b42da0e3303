// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrAuth):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrTransientSync), errors.Is(err, shared.ErrTerminalSync):
		Problem(w, http.StatusBadGateway, "Sync Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
