package integrationhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/connection"
	"github.com/odyssey-erp/payroll-sync/internal/integration"
	"github.com/odyssey-erp/payroll-sync/internal/mapping"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/synclog"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

type stubQueue struct {
	lastFilter syncqueue.ListFilter
	failedArgs [2]int64
}

func (s *stubQueue) Get(_ context.Context, id int64) (syncqueue.Item, error) {
	if id != 5 {
		return syncqueue.Item{}, syncqueue.ErrItemNotFound
	}
	return syncqueue.Item{ID: 5, Status: syncqueue.StatusFailed}, nil
}

func (s *stubQueue) List(_ context.Context, filter syncqueue.ListFilter) ([]syncqueue.Item, error) {
	s.lastFilter = filter
	return []syncqueue.Item{{ID: 1}, {ID: 2}}, nil
}

func (s *stubQueue) Counts(_ context.Context, companyID int64) (syncqueue.Counts, error) {
	return syncqueue.Counts{Pending: 3, Completed: 7}, nil
}

func (s *stubQueue) ListFailed(_ context.Context, companyID int64, limit int) ([]syncqueue.Item, error) {
	s.failedArgs = [2]int64{companyID, int64(limit)}
	return nil, nil
}

type stubMappings struct {
	upserted mapping.UpsertInput
}

func (s *stubMappings) List(_ context.Context, companyID int64) ([]mapping.Mapping, error) {
	return []mapping.Mapping{{CompanyID: companyID, PersonnelID: 1}}, nil
}

func (s *stubMappings) Upsert(_ context.Context, in mapping.UpsertInput) (mapping.Mapping, error) {
	s.upserted = in
	return mapping.Mapping{PersonnelID: in.PersonnelID, DisplayName: in.DisplayName}, nil
}

func (s *stubMappings) Deactivate(_ context.Context, personnelID int64) (mapping.Mapping, error) {
	return mapping.Mapping{PersonnelID: personnelID, Active: false}, nil
}

func (s *stubMappings) SyncRoster(_ context.Context, companyID int64) (int, error) {
	return 12, nil
}

type stubConnections struct {
	saved connection.SaveInput
}

func (s *stubConnections) Get(_ context.Context, companyID int64) (connection.Connection, error) {
	if companyID != 1 {
		return connection.Connection{}, connection.ErrConnectionNotFound
	}
	return connection.Connection{CompanyID: 1, AgentUsername: "agent", SecretHash: "$2a$hash"}, nil
}

func (s *stubConnections) Save(_ context.Context, in connection.SaveInput) (connection.Connection, error) {
	s.saved = in
	return connection.Connection{CompanyID: in.CompanyID, AgentUsername: in.AgentUsername}, nil
}

type stubSessions struct{}

func (stubSessions) Get(_ context.Context, id int64) (synclog.Session, error) {
	return synclog.Session{ID: id, Status: synclog.StatusClosed}, nil
}

func (stubSessions) List(_ context.Context, companyID int64, limit int) ([]synclog.Session, error) {
	return []synclog.Session{{ID: 1, CompanyID: companyID}}, nil
}

func (stubSessions) Entries(_ context.Context, id int64) ([]synclog.Entry, error) {
	return []synclog.Entry{{SessionID: id, Outcome: synclog.OutcomeCompleted}}, nil
}

type stubEvents struct {
	got []integration.PersonnelEvent
}

func (s *stubEvents) Dispatch(_ context.Context, evt integration.PersonnelEvent) error {
	s.got = append(s.got, evt)
	return nil
}

type fixture struct {
	router      http.Handler
	queue       *stubQueue
	mappings    *stubMappings
	connections *stubConnections
	events      *stubEvents
}

func newFixture() fixture {
	f := fixture{queue: &stubQueue{}, mappings: &stubMappings{}, connections: &stubConnections{}, events: &stubEvents{}}
	h := NewHandler(nil, Services{
		Queue:       f.queue,
		Mappings:    f.mappings,
		Connections: f.connections,
		Sessions:    stubSessions{},
		Events:      f.events,
	})
	r := chi.NewRouter()
	r.Use(shared.ActorMiddleware)
	r.Route("/api/payroll", h.MountRoutes)
	f.router = r
	return f
}

func (f fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(shared.ActorHeader, "42")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestListQueueFilters(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/api/payroll/queue?company_id=1&status=failed&batch=pay_period:9&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, syncqueue.ListFilter{CompanyID: 1, Status: syncqueue.StatusFailed, BatchKey: "pay_period:9", Limit: 10}, f.queue.lastFilter)

	var body struct {
		Items []syncqueue.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 2)
}

func TestListQueueRejectsBadInput(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodGet, "/api/payroll/queue", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodGet, "/api/payroll/queue?company_id=1&status=lost", "").Code)
}

func TestQueueCountsAndFailed(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/api/payroll/queue/counts?company_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":3,"processing":0,"completed":7,"failed":0}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/payroll/queue/failed?company_id=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]int64{4, 50}, f.queue.failedArgs)
}

func TestGetItem(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/payroll/queue/5", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/payroll/queue/6", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodGet, "/api/payroll/queue/abc", "").Code)
}

func TestMappingEndpoints(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/payroll/mappings", `{"personnel_id":7,"display_name":"Ana Ruiz"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mapping.UpsertInput{PersonnelID: 7, DisplayName: "Ana Ruiz"}, f.mappings.upserted)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/api/payroll/mappings", `{}`).Code)

	rec = f.do(http.MethodPost, "/api/payroll/mappings/sync", `{"company_id":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":12}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/payroll/mappings/7/deactivate", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/payroll/mappings?company_id=1", "").Code)
}

func TestConnectionEndpoints(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/api/payroll/connection?company_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "$2a$hash")

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/payroll/connection?company_id=2", "").Code)

	rec = f.do(http.MethodPut, "/api/payroll/connection",
		`{"company_id":1,"company_name":"Acme","agent_username":"agent","secret":"s3cret-pass","sync_time_entries":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s3cret-pass", f.connections.saved.Secret)
	assert.True(t, f.connections.saved.SyncTimeEntries)

	rec = f.do(http.MethodPut, "/api/payroll/connection", `{"company_id":1,"company_name":"Acme","agent_username":"agent","secret":"short"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/payroll/sessions?company_id=1", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/payroll/sessions/3", "").Code)

	rec := f.do(http.MethodGet, "/api/payroll/sessions/3/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"completed"`)
}

func TestPersonnelEvent(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/payroll/personnel-events", `{"kind":"hired","company_id":1,"personnel_id":7}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.events.got, 1)
	assert.Equal(t, integration.EventHired, f.events.got[0].Kind)

	rec = f.do(http.MethodPost, "/api/payroll/personnel-events", `{"kind":"promoted","company_id":1,"personnel_id":7}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
