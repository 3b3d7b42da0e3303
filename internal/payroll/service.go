package payroll

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
	"github.com/odyssey-erp/payroll-sync/internal/timeclock"
)

// Queue is the slice of the sync queue the ledger needs.
type Queue interface {
	Prepare(in syncqueue.NewItem) (syncqueue.Prepared, error)
	BatchCounts(ctx context.Context, batchKey string) (syncqueue.Counts, error)
	Observe(items ...syncqueue.Item)
}

// Service runs the pay-period state machine.
type Service struct {
	repo       Repository
	aggregator timeclock.Aggregator
	roster     timeclock.Roster
	queue      Queue
	audit      shared.AuditRecorder
	logger     *slog.Logger
	workers    int
	live       singleflight.Group
	now        func() time.Time
}

// NewService wires the ledger.
func NewService(repo Repository, aggregator timeclock.Aggregator, roster timeclock.Roster, queue Queue, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = shared.NopAudit{}
	}
	return &Service{
		repo:       repo,
		aggregator: aggregator,
		roster:     roster,
		queue:      queue,
		audit:      audit,
		logger:     logger,
		workers:    8,
		now:        time.Now,
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithWorkers bounds concurrent per-employee aggregation.
func (s *Service) WithWorkers(n int) {
	if n > 0 {
		s.workers = n
	}
}

// GetPeriodSummary returns live totals while the period is pending and the
// frozen snapshot afterwards. Approved and locked periods also report export
// progress, with IssueCount counting failed export items.
func (s *Service) GetPeriodSummary(ctx context.Context, w Window) (Summary, error) {
	w, err := w.Validate()
	if err != nil {
		return Summary{}, err
	}
	p, err := s.repo.EnsurePeriod(ctx, w)
	if err != nil {
		return Summary{}, err
	}
	if p.Status == StatusPending {
		snap, err := s.sharedLiveSnapshot(ctx, w)
		if err != nil {
			return Summary{}, err
		}
		p.EmployeeCount = len(snap.Employees)
		p.RegularHours = snap.RegularHours
		p.OvertimeHours = snap.OvertimeHours
		p.TotalHours = snap.TotalHours()
		p.IssueCount = snap.IssueCount
		return Summary{Period: p, Live: true, Employees: snap.Employees}, nil
	}

	employees, err := s.repo.Employees(ctx, p.ID)
	if err != nil {
		return Summary{}, err
	}
	counts, err := s.queue.BatchCounts(ctx, p.BatchKey())
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Period: p, Employees: employees}
	if p.Status == StatusLocked || counts.Total() > 0 {
		summary.Export = &counts
		summary.Period.IssueCount = counts.Failed
	}
	if p.Status == StatusApproved && p.Exported {
		summary.Warning = UnlockWarning
	}
	return summary, nil
}

func (s *Service) sharedLiveSnapshot(ctx context.Context, w Window) (Snapshot, error) {
	v, err, _ := s.live.Do(w.key(), func() (any, error) {
		return s.liveSnapshot(ctx, w)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// liveSnapshot recomputes every employee of the roster concurrently.
// Employees with no hours and no issues are left out.
func (s *Service) liveSnapshot(ctx context.Context, w Window) (Snapshot, error) {
	people, err := s.roster.ListPersonnel(ctx, w.CompanyID)
	if err != nil {
		return Snapshot{}, err
	}
	results := make([]EmployeeTotals, len(people))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, person := range people {
		g.Go(func() error {
			totals, err := s.aggregator.ComputeTotals(gctx, person.ID, w.Start, w.End)
			if err != nil {
				return fmt.Errorf("payroll: totals for personnel %d: %w", person.ID, err)
			}
			results[i] = EmployeeTotals{
				PersonnelID:   person.ID,
				DisplayName:   person.DisplayName(),
				RegularHours:  totals.RegularHours,
				OvertimeHours: totals.OvertimeHours,
				Issues:        totals.Issues,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	employees := make([]EmployeeTotals, 0, len(results))
	for _, e := range results {
		if e.RegularHours.IsZero() && e.OvertimeHours.IsZero() && len(e.Issues) == 0 {
			continue
		}
		employees = append(employees, e)
	}
	return newSnapshot(employees), nil
}

// Approve freezes the totals of a pending period with no open issues.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (Period, error) {
	w, err := in.Window.Validate()
	if err != nil {
		return Period{}, err
	}
	if in.ApproverID <= 0 {
		return Period{}, shared.ValidationError("approver required")
	}
	var out Period
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPeriod(ctx, w)
		if err != nil {
			return err
		}
		if _, err := Transition(ActionApprove, p.Status); err != nil {
			return err
		}
		// corrections to the window wait on the period row from here on
		snap, err := s.liveSnapshot(ctx, w)
		if err != nil {
			return err
		}
		if snap.IssueCount > 0 {
			return shared.ValidationError("pay period has %d unresolved issues", snap.IssueCount)
		}
		out, err = tx.SaveApproval(ctx, p.ID, snap, in.ApproverID, strings.TrimSpace(in.Notes), s.now())
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, in.ApproverID, ActionApprove, out, map[string]any{
		"employees":   out.EmployeeCount,
		"total_hours": out.TotalHours.String(),
	})
	return out, nil
}

// Lock freezes an approved period and enqueues one time entry per snapshot
// employee in the same transaction. Locking a locked period does nothing.
func (s *Service) Lock(ctx context.Context, in TransitionInput) (TransitionResult, error) {
	w, err := in.Window.Validate()
	if err != nil {
		return TransitionResult{}, err
	}
	if in.ActorID <= 0 {
		return TransitionResult{}, shared.ValidationError("actor required")
	}
	var (
		res      TransitionResult
		enqueued []syncqueue.Item
		noop     bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, enqueued, noop = TransitionResult{}, nil, false
		p, err := tx.LockPeriod(ctx, w)
		if err != nil {
			return err
		}
		if p.Status == StatusLocked {
			res = TransitionResult{Period: p}
			noop = true
			return nil
		}
		if _, err := Transition(ActionLock, p.Status); err != nil {
			return err
		}
		employees, err := tx.Employees(ctx, p.ID)
		if err != nil {
			return err
		}
		enqueued, err = s.enqueueExport(ctx, tx, p, employees, false)
		if err != nil {
			return err
		}
		locked, err := tx.SetLocked(ctx, p.ID, in.ActorID, s.now())
		if err != nil {
			return err
		}
		res = TransitionResult{Period: locked, Enqueued: len(enqueued)}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if noop {
		return res, nil
	}
	s.queue.Observe(enqueued...)
	s.record(ctx, in.ActorID, ActionLock, res.Period, map[string]any{"enqueued": res.Enqueued})
	return res, nil
}

// Unlock reopens a locked period to approved. Queued or delivered items are
// left alone; unlocking an exported period returns a divergence warning.
func (s *Service) Unlock(ctx context.Context, in TransitionInput) (TransitionResult, error) {
	w, err := in.Window.Validate()
	if err != nil {
		return TransitionResult{}, err
	}
	if in.ActorID <= 0 {
		return TransitionResult{}, shared.ValidationError("actor required")
	}
	var res TransitionResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPeriod(ctx, w)
		if err != nil {
			return err
		}
		if _, err := Transition(ActionUnlock, p.Status); err != nil {
			return err
		}
		unlocked, err := tx.SetUnlocked(ctx, p.ID)
		if err != nil {
			return err
		}
		res = TransitionResult{Period: unlocked}
		if unlocked.Exported {
			res.Warning = UnlockWarning
		}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if res.Warning != "" {
		s.logger.Warn("exported pay period unlocked", slog.Int64("pay_period_id", res.Period.ID), slog.Int64("actor_id", in.ActorID))
	}
	s.record(ctx, in.ActorID, ActionUnlock, res.Period, map[string]any{"exported": res.Period.Exported})
	return res, nil
}

// ExportNow re-enqueues the export items of a locked, unexported period.
// Failed items restart with a fresh attempt budget; completed ones stay.
func (s *Service) ExportNow(ctx context.Context, in TransitionInput) (TransitionResult, error) {
	w, err := in.Window.Validate()
	if err != nil {
		return TransitionResult{}, err
	}
	var (
		res      TransitionResult
		enqueued []syncqueue.Item
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPeriod(ctx, w)
		if err != nil {
			return err
		}
		if p.Status != StatusLocked {
			return shared.ValidationError("pay period must be locked to export, is %s", p.Status)
		}
		if p.Exported {
			return shared.ValidationError("pay period already exported")
		}
		employees, err := tx.Employees(ctx, p.ID)
		if err != nil {
			return err
		}
		enqueued, err = s.enqueueExport(ctx, tx, p, employees, true)
		if err != nil {
			return err
		}
		res = TransitionResult{Period: p, Enqueued: len(enqueued)}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.queue.Observe(enqueued...)
	s.record(ctx, in.ActorID, ActionExport, res.Period, map[string]any{"enqueued": res.Enqueued})
	return res, nil
}

// enqueueExport returns the items left pending by the fan-out.
func (s *Service) enqueueExport(ctx context.Context, tx TxRepository, p Period, employees []EmployeeTotals, reset bool) ([]syncqueue.Item, error) {
	memo := fmt.Sprintf("Pay period %s to %s", p.StartDate.Format(time.DateOnly), p.EndDate.Format(time.DateOnly))
	out := make([]syncqueue.Item, 0, len(employees))
	for _, e := range employees {
		prepared, err := s.queue.Prepare(syncqueue.NewItem{
			CompanyID:     p.CompanyID,
			Type:          syncqueue.TypeTimeEntry,
			Action:        syncqueue.ActionAdd,
			ReferenceType: syncqueue.ReferencePersonnel,
			ReferenceID:   strconv.FormatInt(e.PersonnelID, 10),
			BatchKey:      p.BatchKey(),
			Priority:      syncqueue.PriorityTimeEntry,
			ResetFailed:   reset,
			Payload: syncqueue.TimeEntryPayload{
				PayPeriodID:   p.ID,
				PersonnelID:   e.PersonnelID,
				PeriodStart:   p.StartDate,
				PeriodEnd:     p.EndDate,
				RegularHours:  e.RegularHours,
				OvertimeHours: e.OvertimeHours,
				Memo:          memo,
			},
		})
		if err != nil {
			return nil, err
		}
		item, _, err := tx.Enqueue(ctx, prepared, s.now())
		if err != nil {
			return nil, err
		}
		if item.Status == syncqueue.StatusPending {
			out = append(out, item)
		}
	}
	return out, nil
}

// RequestPaychecks queues a paycheck query covering an approved or locked
// period.
func (s *Service) RequestPaychecks(ctx context.Context, in TransitionInput) (syncqueue.Item, error) {
	w, err := in.Window.Validate()
	if err != nil {
		return syncqueue.Item{}, err
	}
	var item syncqueue.Item
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPeriod(ctx, w)
		if err != nil {
			return err
		}
		if p.Status == StatusPending {
			return shared.ValidationError("pay period must be approved before querying paychecks")
		}
		prepared, err := s.queue.Prepare(syncqueue.NewItem{
			CompanyID:     p.CompanyID,
			Type:          syncqueue.TypePaycheckQuery,
			Action:        syncqueue.ActionQuery,
			ReferenceType: syncqueue.ReferencePayPeriod,
			ReferenceID:   strconv.FormatInt(p.ID, 10),
			BatchKey:      syncqueue.PaycheckBatchKey(p.ID),
			ResetFailed:   true,
			Payload: syncqueue.PaycheckQueryPayload{
				PayPeriodID: p.ID,
				PeriodStart: p.StartDate,
				PeriodEnd:   p.EndDate,
			},
		})
		if err != nil {
			return err
		}
		item, _, err = tx.Enqueue(ctx, prepared, s.now())
		return err
	})
	if err != nil {
		return syncqueue.Item{}, err
	}
	s.queue.Observe(item)
	return item, nil
}

// MarkExportedIfComplete sets the exported flag once every export item of
// a locked period completed. It reports whether the flag was set by this call.
func (s *Service) MarkExportedIfComplete(ctx context.Context, periodID int64) (bool, error) {
	p, err := s.repo.GetPeriod(ctx, periodID)
	if err != nil {
		return false, err
	}
	if p.Exported || p.Status != StatusLocked {
		return false, nil
	}
	counts, err := s.queue.BatchCounts(ctx, p.BatchKey())
	if err != nil {
		return false, err
	}
	if !counts.AllCompleted() || counts.Completed < p.EmployeeCount {
		return false, nil
	}
	marked, err := s.repo.MarkExported(ctx, p.ID, s.now())
	if err != nil {
		return false, err
	}
	if marked {
		s.logger.Info("pay period exported", slog.Int64("pay_period_id", p.ID), slog.Int("items", counts.Completed))
	}
	return marked, nil
}

// ReconcileExported re-checks locked periods still awaiting their exported
// flag and returns how many were marked.
func (s *Service) ReconcileExported(ctx context.Context) (int, error) {
	periods, err := s.repo.UnexportedLocked(ctx, 200)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, p := range periods {
		ok, err := s.MarkExportedIfComplete(ctx, p.ID)
		if err != nil {
			return marked, err
		}
		if ok {
			marked++
		}
	}
	return marked, nil
}

// ListPeriods returns recent periods of a company.
func (s *Service) ListPeriods(ctx context.Context, companyID int64, limit int) ([]Period, error) {
	if companyID <= 0 {
		return nil, shared.ValidationError("company id required")
	}
	if limit <= 0 || limit > 100 {
		limit = 24
	}
	return s.repo.ListPeriods(ctx, companyID, limit)
}

// EnsureEditable rejects changes to time data dated inside a locked period.
func (s *Service) EnsureEditable(ctx context.Context, companyID, personnelID int64, date time.Time) error {
	return s.GuardEdit(ctx, companyID, personnelID, date, nil)
}

// GuardEdit runs edit in a transaction that holds the periods covering date,
// so a concurrent Lock waits for the edit to commit. It rejects the edit when
// one of those periods is already locked.
func (s *Service) GuardEdit(ctx context.Context, companyID, personnelID int64, date time.Time, edit func(context.Context, db.DBTX) error) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.HoldCovering(ctx, companyID, dateOnly(date))
		if err != nil {
			return err
		}
		if locked {
			return shared.ValidationError("time data of personnel %d on %s belongs to a locked pay period", personnelID, date.Format(time.DateOnly))
		}
		if edit == nil {
			return nil
		}
		return edit(ctx, tx.DB())
	})
}

func (s *Service) record(ctx context.Context, actorID int64, action Action, p Period, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = p.Status
	meta["start_date"] = p.StartDate.Format(time.DateOnly)
	meta["end_date"] = p.EndDate.Format(time.DateOnly)
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "payroll." + string(action),
		Entity:   "pay_period",
		EntityID: strconv.FormatInt(p.ID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", string(action)), slog.Any("error", err))
	}
}
