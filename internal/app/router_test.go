package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gatewayhttp "github.com/odyssey-erp/payroll-sync/internal/gateway/http"
	"github.com/odyssey-erp/payroll-sync/internal/observability"
	"github.com/odyssey-erp/payroll-sync/internal/payroll"
	payrollhttp "github.com/odyssey-erp/payroll-sync/internal/payroll/http"
	"github.com/odyssey-erp/payroll-sync/internal/synclog"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

type stubLedger struct {
	actor int64
}

func (s *stubLedger) ListPeriods(ctx context.Context, companyID int64, limit int) ([]payroll.Period, error) {
	return nil, nil
}

func (s *stubLedger) GetPeriodSummary(ctx context.Context, w payroll.Window) (payroll.Summary, error) {
	return payroll.Summary{}, nil
}

func (s *stubLedger) Approve(ctx context.Context, in payroll.ApproveInput) (payroll.Period, error) {
	s.actor = in.ApproverID
	return payroll.Period{Status: payroll.StatusApproved}, nil
}

func (s *stubLedger) Lock(ctx context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error) {
	return payroll.TransitionResult{}, nil
}

func (s *stubLedger) Unlock(ctx context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error) {
	return payroll.TransitionResult{}, nil
}

func (s *stubLedger) ExportNow(ctx context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error) {
	return payroll.TransitionResult{}, nil
}

func (s *stubLedger) RequestPaychecks(ctx context.Context, in payroll.TransitionInput) (syncqueue.Item, error) {
	return syncqueue.Item{}, nil
}

type stubAgent struct{}

func (stubAgent) BeginSession(ctx context.Context, username, secret string) (string, error) {
	return "ticket-1", nil
}

func (stubAgent) NextRequest(ctx context.Context, ticket string) (string, error) { return "", nil }

func (stubAgent) ReceiveResponse(ctx context.Context, ticket, doc string) (int, error) {
	return 100, nil
}

func (stubAgent) ReportError(ctx context.Context, ticket, hresult, message string) error { return nil }

func (stubAgent) LastError(ctx context.Context, ticket string) (string, error) { return "", nil }

func (stubAgent) EndSession(ctx context.Context, ticket string) (synclog.Session, error) {
	return synclog.Session{}, nil
}

func newTestRouter(ledger *stubLedger) (http.Handler, *observability.Metrics) {
	metrics := observability.NewMetrics()
	return NewRouter(RouterParams{
		Config:         &Config{AppEnv: "test"},
		PayrollHandler: payrollhttp.NewHandler(nil, ledger, nil, nil),
		GatewayHandler: gatewayhttp.NewHandler(nil, stubAgent{}),
		Metrics:        metrics,
	}), metrics
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(&stubLedger{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAdminRoutesCarryActor(t *testing.T) {
	ledger := &stubLedger{}
	router, _ := newTestRouter(ledger)
	req := httptest.NewRequest(http.MethodPost, "/api/payroll/periods/approve",
		strings.NewReader(`{"company_id":1,"start":"2025-01-01","end":"2025-01-14"}`))
	req.Header.Set("X-Actor-ID", "42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), ledger.actor)
}

func TestAgentEndpointMounted(t *testing.T) {
	router, _ := newTestRouter(&stubLedger{})
	body := `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body><serverVersion xmlns="http://developer.intuit.com/"/></soap:Body>
</soap:Envelope>`
	req := httptest.NewRequest(http.MethodPost, "/qbwc", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), gatewayhttp.ServerVersion)
}

func TestMetricsRecordRoutePattern(t *testing.T) {
	router, _ := newTestRouter(&stubLedger{})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `payrollsync_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	router, _ := newTestRouter(&stubLedger{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: &Config{AppEnv: "test"},
		Readiness: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","checks":{"postgres":"ok","redis":"connection refused"}}`, rec.Body.String())
}

func TestReadinessWithoutChecks(t *testing.T) {
	router, _ := newTestRouter(&stubLedger{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{}}`, rec.Body.String())
}
