// Package payroll owns the pay-period approval and lock state machine and the
// export fan-out of settled hours.
package payroll

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
	"github.com/odyssey-erp/payroll-sync/internal/timeclock"
)

// Status of a pay period.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusLocked   Status = "locked"
)

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = errors.New("pay period transition invalid")

// ErrPeriodNotFound is returned for unknown period ids.
var ErrPeriodNotFound = shared.NotFoundError("pay period not found")

// UnlockWarning is surfaced when an exported period is reopened.
const UnlockWarning = "period was already exported; records in the bookkeeping system may no longer match"

// Action is an operator-driven status change.
type Action string

const (
	ActionApprove Action = "approve"
	ActionLock    Action = "lock"
	ActionUnlock  Action = "unlock"
	ActionExport  Action = "export"
)

var transitions = map[Action]struct{ from, to Status }{
	ActionApprove: {StatusPending, StatusApproved},
	ActionLock:    {StatusApproved, StatusLocked},
	ActionUnlock:  {StatusLocked, StatusApproved},
}

// Transition returns the status an action leads to from the current one.
func Transition(action Action, from Status) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if t.from != from {
		return "", &shared.Error{
			Kind:    shared.ErrValidation,
			Message: fmt.Sprintf("cannot %s a %s pay period", action, from),
			Err:     ErrInvalidTransition,
		}
	}
	return t.to, nil
}

// Window identifies a pay period.
type Window struct {
	CompanyID int64
	Start     time.Time
	End       time.Time
}

// Validate checks the window is well formed and normalises it to dates.
func (w Window) Validate() (Window, error) {
	if w.CompanyID <= 0 {
		return Window{}, shared.ValidationError("company id required")
	}
	if w.Start.IsZero() || w.End.IsZero() {
		return Window{}, shared.ValidationError("period start and end required")
	}
	w.Start = dateOnly(w.Start)
	w.End = dateOnly(w.End)
	if w.End.Before(w.Start) {
		return Window{}, shared.ValidationError("period end %s before start %s", w.End.Format(time.DateOnly), w.Start.Format(time.DateOnly))
	}
	return w, nil
}

func (w Window) key() string {
	return fmt.Sprintf("%d:%s:%s", w.CompanyID, w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Period is the persisted ledger row.
type Period struct {
	ID            int64           `json:"id"`
	CompanyID     int64           `json:"company_id"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	Status        Status          `json:"status"`
	EmployeeCount int             `json:"employee_count"`
	RegularHours  decimal.Decimal `json:"regular_hours"`
	OvertimeHours decimal.Decimal `json:"overtime_hours"`
	TotalHours    decimal.Decimal `json:"total_hours"`
	IssueCount    int             `json:"issue_count"`
	ApprovedBy    *int64          `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	ApprovalNotes string          `json:"approval_notes,omitempty"`
	LockedBy      *int64          `json:"locked_by,omitempty"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	Exported      bool            `json:"exported"`
	ExportedAt    *time.Time      `json:"exported_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BatchKey scopes the period's export items in the sync queue.
func (p Period) BatchKey() string {
	return syncqueue.PayPeriodBatchKey(p.ID)
}

// EmployeeTotals is one employee's hours within a period.
type EmployeeTotals struct {
	PersonnelID   int64             `json:"personnel_id"`
	DisplayName   string            `json:"display_name"`
	RegularHours  decimal.Decimal   `json:"regular_hours"`
	OvertimeHours decimal.Decimal   `json:"overtime_hours"`
	Issues        []timeclock.Issue `json:"issues,omitempty"`
}

// Snapshot is the aggregate of a period at a point in time.
type Snapshot struct {
	Employees     []EmployeeTotals
	RegularHours  decimal.Decimal
	OvertimeHours decimal.Decimal
	IssueCount    int
}

// TotalHours sums regular and overtime hours.
func (s Snapshot) TotalHours() decimal.Decimal {
	return s.RegularHours.Add(s.OvertimeHours)
}

func newSnapshot(employees []EmployeeTotals) Snapshot {
	snap := Snapshot{Employees: employees, RegularHours: decimal.Zero, OvertimeHours: decimal.Zero}
	for _, e := range employees {
		snap.RegularHours = snap.RegularHours.Add(e.RegularHours)
		snap.OvertimeHours = snap.OvertimeHours.Add(e.OvertimeHours)
		snap.IssueCount += len(e.Issues)
	}
	return snap
}

// Summary is the view of a period returned to operators.
type Summary struct {
	Period    Period            `json:"period"`
	Live      bool              `json:"live"`
	Employees []EmployeeTotals  `json:"employees"`
	Export    *syncqueue.Counts `json:"export,omitempty"`
	Warning   string            `json:"warning,omitempty"`
}

// ApproveInput approves a pending period.
type ApproveInput struct {
	Window
	ApproverID int64
	Notes      string
}

// TransitionInput carries the actor of lock, unlock and export.
type TransitionInput struct {
	Window
	ActorID int64
}

// TransitionResult reports the period after a transition and the export work
// it produced.
type TransitionResult struct {
	Period   Period `json:"period"`
	Enqueued int    `json:"enqueued"`
	Warning  string `json:"warning,omitempty"`
}
