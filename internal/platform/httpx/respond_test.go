package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

type bindTarget struct {
	Name  string `json:"name" validate:"required,max=5"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestBind(t *testing.T) {
	var ok bindTarget
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"abc","count":2}`))
	require.NoError(t, Bind(req, &ok))
	assert.Equal(t, "abc", ok.Name)

	var missing bindTarget
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":1}`))
	err := Bind(req, &missing)
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Contains(t, err.Error(), "name failed required")

	var unknown bindTarget
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":true}`))
	assert.ErrorIs(t, Bind(req, &unknown), shared.ErrValidation)
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?company_id=7&start=2025-01-01&bad=x", nil)
	id, err := QueryInt64(req, "company_id", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	def, err := QueryInt64(req, "limit", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), def)

	_, err = QueryInt64(req, "bad", 0)
	assert.ErrorIs(t, err, shared.ErrValidation)

	start, err := QueryDate(req, "start")
	require.NoError(t, err)
	assert.Equal(t, 2025, start.Year())

	_, err = QueryDate(req, "end")
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestProblemBody(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusConflict, "Conflict", "already locked")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.JSONEq(t, `{"title":"Conflict","status":409,"detail":"already locked"}`, rr.Body.String())
}
