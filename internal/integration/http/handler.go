package integrationhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/payroll-sync/internal/connection"
	"github.com/odyssey-erp/payroll-sync/internal/integration"
	"github.com/odyssey-erp/payroll-sync/internal/mapping"
	"github.com/odyssey-erp/payroll-sync/internal/platform/httpx"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/synclog"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

type queueService interface {
	Get(ctx context.Context, id int64) (syncqueue.Item, error)
	List(ctx context.Context, filter syncqueue.ListFilter) ([]syncqueue.Item, error)
	Counts(ctx context.Context, companyID int64) (syncqueue.Counts, error)
	ListFailed(ctx context.Context, companyID int64, limit int) ([]syncqueue.Item, error)
}

type mappingService interface {
	List(ctx context.Context, companyID int64) ([]mapping.Mapping, error)
	Upsert(ctx context.Context, in mapping.UpsertInput) (mapping.Mapping, error)
	Deactivate(ctx context.Context, personnelID int64) (mapping.Mapping, error)
	SyncRoster(ctx context.Context, companyID int64) (int, error)
}

type connectionService interface {
	Get(ctx context.Context, companyID int64) (connection.Connection, error)
	Save(ctx context.Context, in connection.SaveInput) (connection.Connection, error)
}

type sessionLog interface {
	Get(ctx context.Context, sessionID int64) (synclog.Session, error)
	List(ctx context.Context, companyID int64, limit int) ([]synclog.Session, error)
	Entries(ctx context.Context, sessionID int64) ([]synclog.Entry, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, evt integration.PersonnelEvent) error
}

// Services groups the dependencies of the sync admin API.
type Services struct {
	Queue       queueService
	Mappings    mappingService
	Connections connectionService
	Sessions    sessionLog
	Events      eventDispatcher
}

// Handler serves queue inspection, mapping, connection and session endpoints.
type Handler struct {
	logger *slog.Logger
	svc    Services
}

// NewHandler constructs the sync admin handler.
func NewHandler(logger *slog.Logger, svc Services) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, svc: svc}
}

// MountRoutes registers the admin endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.listQueue)
		r.Get("/counts", h.queueCounts)
		r.Get("/failed", h.listFailed)
		r.Get("/{id}", h.getItem)
	})
	r.Route("/mappings", func(r chi.Router) {
		r.Get("/", h.listMappings)
		r.Post("/", h.upsertMapping)
		r.Post("/sync", h.syncRoster)
		r.Post("/{personnelID}/deactivate", h.deactivateMapping)
	})
	r.Get("/connection", h.getConnection)
	r.Put("/connection", h.saveConnection)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Get("/{id}", h.getSession)
		r.Get("/{id}/entries", h.sessionEntries)
	})
	if h.svc.Events != nil {
		r.Post("/personnel-events", h.personnelEvent)
	}
}

func companyQuery(r *http.Request) (int64, error) {
	companyID, err := httpx.QueryInt64(r, "company_id", 0)
	if err != nil {
		return 0, err
	}
	if companyID == 0 {
		return 0, shared.ValidationError("company_id required")
	}
	return companyID, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.ValidationError("invalid %s", strings.ToLower(name))
	}
	return id, nil
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit", 0)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := syncqueue.Status(r.URL.Query().Get("status"))
	switch status {
	case "", syncqueue.StatusPending, syncqueue.StatusProcessing, syncqueue.StatusCompleted, syncqueue.StatusFailed:
	default:
		httpx.RespondError(w, shared.ValidationError("unknown status %q", status))
		return
	}
	items, err := h.svc.Queue.List(r.Context(), syncqueue.ListFilter{
		CompanyID: companyID,
		Status:    status,
		BatchKey:  r.URL.Query().Get("batch"),
		Limit:     int(limit),
	})
	if err != nil {
		h.fail(w, "list queue", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) queueCounts(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	counts, err := h.svc.Queue.Counts(r.Context(), companyID)
	if err != nil {
		h.fail(w, "queue counts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, counts)
}

func (h *Handler) listFailed(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit", 50)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.svc.Queue.ListFailed(r.Context(), companyID, int(limit))
	if err != nil {
		h.fail(w, "list failed items", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.svc.Queue.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get queue item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"item": item})
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	mappings, err := h.svc.Mappings.List(r.Context(), companyID)
	if err != nil {
		h.fail(w, "list mappings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

func (h *Handler) upsertMapping(w http.ResponseWriter, r *http.Request) {
	var in mapping.UpsertInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.svc.Mappings.Upsert(r.Context(), in)
	if err != nil {
		h.fail(w, "upsert mapping", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"mapping": m})
}

type rosterRequest struct {
	CompanyID int64 `json:"company_id" validate:"required,gt=0"`
}

func (h *Handler) syncRoster(w http.ResponseWriter, r *http.Request) {
	var req rosterRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	queued, err := h.svc.Mappings.SyncRoster(r.Context(), req.CompanyID)
	if err != nil {
		h.fail(w, "sync roster", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (h *Handler) deactivateMapping(w http.ResponseWriter, r *http.Request) {
	personnelID, err := pathID(r, "personnelID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.svc.Mappings.Deactivate(r.Context(), personnelID)
	if err != nil {
		h.fail(w, "deactivate mapping", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"mapping": m})
}

func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	conn, err := h.svc.Connections.Get(r.Context(), companyID)
	if err != nil {
		h.fail(w, "get connection", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"connection": conn})
}

func (h *Handler) saveConnection(w http.ResponseWriter, r *http.Request) {
	var in connection.SaveInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	conn, err := h.svc.Connections.Save(r.Context(), in)
	if err != nil {
		h.fail(w, "save connection", err)
		return
	}
	h.logger.Info("connection saved",
		slog.Int64("company_id", conn.CompanyID), slog.Int64("actor_id", shared.ActorFromContext(r.Context())))
	httpx.JSON(w, http.StatusOK, map[string]any{"connection": conn})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit", 20)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sessions, err := h.svc.Sessions.List(r.Context(), companyID, int(limit))
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess, err := h.svc.Sessions.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get session", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (h *Handler) sessionEntries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.svc.Sessions.Entries(r.Context(), id)
	if err != nil {
		h.fail(w, "session entries", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) personnelEvent(w http.ResponseWriter, r *http.Request) {
	var evt integration.PersonnelEvent
	if err := httpx.Bind(r, &evt); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.svc.Events.Dispatch(r.Context(), evt); err != nil {
		h.fail(w, "personnel event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
