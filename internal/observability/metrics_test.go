package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/gateway"
	jobmetrics "github.com/odyssey-erp/payroll-sync/internal/jobs"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesComponentCollectors(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	syncqueue.NewMetrics(metrics.Registerer())
	gateway.NewMetrics(metrics.Registerer())

	_ = jobs.Track("sync:sweep").End(errors.New("boom"))

	body := scrape(t, metrics)
	assert.Contains(t, body, `payrollsync_jobs_total{job="sync:sweep",status="failure"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	assert.Contains(t, body, `payrollsync_http_requests_total{code="418",route="/test"} 1`)
	assert.Contains(t, body, `payrollsync_http_request_duration_seconds_bucket{route="/test"`)
	assert.Contains(t, body, "payrollsync_http_requests_in_flight 0")
}

func TestNilMetricsHandlerIsUnavailable(t *testing.T) {
	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
