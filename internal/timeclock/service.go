package timeclock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// PeriodGuard runs an edit of time data dated date inside a transaction that
// keeps the covering pay periods from being locked until it commits. Edits
// to an already locked period are rejected.
type PeriodGuard interface {
	GuardEdit(ctx context.Context, companyID, personnelID int64, date time.Time, edit func(context.Context, db.DBTX) error) error
}

type entryStore interface {
	GetEntry(ctx context.Context, id int64) (Entry, error)
	UpdateEntryPunches(ctx context.Context, q db.DBTX, id int64, clockIn, clockOut time.Time, hours decimal.Decimal) error
}

// CorrectionInput rewrites the punches of one entry.
type CorrectionInput struct {
	EntryID  int64
	ClockIn  time.Time
	ClockOut time.Time
}

// Service applies corrections to committed time data.
type Service struct {
	store entryStore
	guard PeriodGuard
}

// NewService constructs a Service.
func NewService(store entryStore, guard PeriodGuard) *Service {
	return &Service{store: store, guard: guard}
}

// CorrectEntry rewrites punches unless the entry falls in a locked pay period.
// The locked check and the write commit together.
func (s *Service) CorrectEntry(ctx context.Context, in CorrectionInput) (Entry, error) {
	if in.EntryID == 0 {
		return Entry{}, shared.ValidationError("timeclock: entry id required")
	}
	if !in.ClockOut.After(in.ClockIn) {
		return Entry{}, shared.ValidationError("timeclock: clock out must be after clock in")
	}
	entry, err := s.store.GetEntry(ctx, in.EntryID)
	if err != nil {
		return Entry{}, err
	}
	hours := PunchHours(in.ClockIn, in.ClockOut)
	update := func(ctx context.Context, q db.DBTX) error {
		return s.store.UpdateEntryPunches(ctx, q, entry.ID, in.ClockIn, in.ClockOut, hours)
	}
	if s.guard != nil {
		err = s.guard.GuardEdit(ctx, entry.CompanyID, entry.PersonnelID, entry.WorkDate, update)
	} else {
		err = update(ctx, nil)
	}
	if err != nil {
		return Entry{}, err
	}
	out := in.ClockOut
	entry.ClockIn, entry.ClockOut, entry.Hours = in.ClockIn, &out, hours
	return entry, nil
}
