package payrollhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/payroll-sync/internal/payroll"
	"github.com/odyssey-erp/payroll-sync/internal/platform/httpx"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
	"github.com/odyssey-erp/payroll-sync/internal/timeclock"
)

type ledgerService interface {
	ListPeriods(ctx context.Context, companyID int64, limit int) ([]payroll.Period, error)
	GetPeriodSummary(ctx context.Context, w payroll.Window) (payroll.Summary, error)
	Approve(ctx context.Context, in payroll.ApproveInput) (payroll.Period, error)
	Lock(ctx context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error)
	Unlock(ctx context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error)
	ExportNow(ctx context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error)
	RequestPaychecks(ctx context.Context, in payroll.TransitionInput) (syncqueue.Item, error)
}

type correctionService interface {
	CorrectEntry(ctx context.Context, in timeclock.CorrectionInput) (timeclock.Entry, error)
}

// ExportScheduler defers an export to the background worker.
type ExportScheduler interface {
	ScheduleExport(ctx context.Context, in payroll.TransitionInput) (string, error)
}

// Handler serves the pay-period admin API.
type Handler struct {
	logger      *slog.Logger
	ledger      ledgerService
	corrections correctionService
	scheduler   ExportScheduler
}

// NewHandler constructs a payroll HTTP handler. corrections and scheduler may
// be nil, which disables their endpoints.
func NewHandler(logger *slog.Logger, ledger ledgerService, corrections correctionService, scheduler ExportScheduler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledger, corrections: corrections, scheduler: scheduler}
}

// MountRoutes registers the pay-period endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Get("/summary", h.summary)
		r.Post("/approve", h.approve)
		r.Post("/lock", h.lock)
		r.Post("/unlock", h.unlock)
		r.Post("/export", h.export)
		r.Post("/paychecks", h.paychecks)
	})
	if h.corrections != nil {
		r.Post("/time-entries/{id}/correction", h.correctEntry)
	}
}

type periodRequest struct {
	CompanyID int64  `json:"company_id" validate:"required,gt=0"`
	Start     string `json:"start" validate:"required,datetime=2006-01-02"`
	End       string `json:"end" validate:"required,datetime=2006-01-02"`
	Notes     string `json:"notes" validate:"max=1000"`
}

func (p periodRequest) window() payroll.Window {
	start, _ := time.Parse(time.DateOnly, p.Start)
	end, _ := time.Parse(time.DateOnly, p.End)
	return payroll.Window{CompanyID: p.CompanyID, Start: start, End: end}
}

func windowFromQuery(r *http.Request) (payroll.Window, error) {
	companyID, err := httpx.QueryInt64(r, "company_id", 0)
	if err != nil {
		return payroll.Window{}, err
	}
	start, err := httpx.QueryDate(r, "start")
	if err != nil {
		return payroll.Window{}, err
	}
	end, err := httpx.QueryDate(r, "end")
	if err != nil {
		return payroll.Window{}, err
	}
	return payroll.Window{CompanyID: companyID, Start: start, End: end}, nil
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	companyID, err := httpx.QueryInt64(r, "company_id", 0)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit", 0)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	periods, err := h.ledger.ListPeriods(r.Context(), companyID, int(limit))
	if err != nil {
		h.fail(w, "list pay periods", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": periods})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	win, err := windowFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sum, err := h.ledger.GetPeriodSummary(r.Context(), win)
	if err != nil {
		h.fail(w, "pay period summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.ledger.Approve(r.Context(), payroll.ApproveInput{
		Window:     req.window(),
		ApproverID: shared.ActorFromContext(r.Context()),
		Notes:      req.Notes,
	})
	if err != nil {
		h.fail(w, "approve pay period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period": p})
}

func (h *Handler) lock(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "lock pay period", h.ledger.Lock)
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "unlock pay period", h.ledger.Unlock)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, payroll.TransitionInput) (payroll.TransitionResult, error)) {
	var req periodRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := fn(r.Context(), payroll.TransitionInput{Window: req.window(), ActorID: shared.ActorFromContext(r.Context())})
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

// export runs the re-enqueue inline, or hands it to the worker with ?defer=1.
func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := payroll.TransitionInput{Window: req.window(), ActorID: shared.ActorFromContext(r.Context())}
	if deferred, _ := strconv.ParseBool(r.URL.Query().Get("defer")); deferred && h.scheduler != nil {
		taskID, err := h.scheduler.ScheduleExport(r.Context(), in)
		if err != nil {
			h.fail(w, "schedule export", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
		return
	}
	res, err := h.ledger.ExportNow(r.Context(), in)
	if err != nil {
		h.fail(w, "export pay period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) paychecks(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.ledger.RequestPaychecks(r.Context(), payroll.TransitionInput{Window: req.window(), ActorID: shared.ActorFromContext(r.Context())})
	if err != nil {
		h.fail(w, "request paychecks", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"item": item})
}

type correctionRequest struct {
	ClockIn  time.Time `json:"clock_in" validate:"required"`
	ClockOut time.Time `json:"clock_out" validate:"required"`
}

func (h *Handler) correctEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.ValidationError("invalid time entry id"))
		return
	}
	var req correctionRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.corrections.CorrectEntry(r.Context(), timeclock.CorrectionInput{EntryID: id, ClockIn: req.ClockIn, ClockOut: req.ClockOut})
	if err != nil {
		h.fail(w, "correct time entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
