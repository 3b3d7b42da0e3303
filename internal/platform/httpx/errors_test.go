package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

func TestRespondErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", shared.ValidationError("period has %d open issues", 2), http.StatusUnprocessableEntity},
		{"not found", shared.NotFoundError("pay period"), http.StatusNotFound},
		{"auth", shared.AuthError("bad secret"), http.StatusUnauthorized},
		{"terminal", shared.TerminalSyncError("3100", "rejected"), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			RespondError(rr, tc.err)
			assert.Equal(t, tc.code, rr.Code)
			assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		})
	}
}
