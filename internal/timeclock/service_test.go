package timeclock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

type stubEntryStore struct {
	entry   Entry
	updated bool
	hours   decimal.Decimal
	onWrite func()
}

func (s *stubEntryStore) GetEntry(ctx context.Context, id int64) (Entry, error) {
	if id != s.entry.ID {
		return Entry{}, shared.NotFoundError("time entry %d not found", id)
	}
	return s.entry, nil
}

func (s *stubEntryStore) UpdateEntryPunches(ctx context.Context, q db.DBTX, id int64, clockIn, clockOut time.Time, hours decimal.Decimal) error {
	if s.onWrite != nil {
		s.onWrite()
	}
	s.updated = true
	s.hours = hours
	return nil
}

type stubGuard struct{ err error }

func (g stubGuard) GuardEdit(ctx context.Context, companyID, personnelID int64, date time.Time, edit func(context.Context, db.DBTX) error) error {
	if g.err != nil {
		return g.err
	}
	return edit(ctx, nil)
}

// lockingGuard stands in for the ledger: Lock and edits serialise on the
// covering period.
type lockingGuard struct {
	mu     sync.Mutex
	locked bool
}

func (g *lockingGuard) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked = true
}

func (g *lockingGuard) GuardEdit(ctx context.Context, companyID, personnelID int64, date time.Time, edit func(context.Context, db.DBTX) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked {
		return shared.ValidationError("pay period locked")
	}
	return edit(ctx, nil)
}

func TestCorrectEntryRejectedInsideLockedPeriod(t *testing.T) {
	store := &stubEntryStore{entry: Entry{ID: 7, CompanyID: 1, PersonnelID: 3, WorkDate: day(2025, 1, 3)}}
	svc := NewService(store, stubGuard{err: shared.ValidationError("pay period locked")})

	in := time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC)
	_, err := svc.CorrectEntry(context.Background(), CorrectionInput{EntryID: 7, ClockIn: in, ClockOut: in.Add(8 * time.Hour)})

	require.ErrorIs(t, err, shared.ErrValidation)
	assert.False(t, store.updated)
}

func TestCorrectEntryRecomputesHours(t *testing.T) {
	store := &stubEntryStore{entry: Entry{ID: 7, CompanyID: 1, PersonnelID: 3, WorkDate: day(2025, 1, 3)}}
	svc := NewService(store, stubGuard{})

	in := time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC)
	entry, err := svc.CorrectEntry(context.Background(), CorrectionInput{EntryID: 7, ClockIn: in, ClockOut: in.Add(7*time.Hour + 30*time.Minute)})

	require.NoError(t, err)
	assert.True(t, store.updated)
	assert.Equal(t, "7.5", entry.Hours.String())
	require.NotNil(t, entry.ClockOut)
}

func TestCorrectEntryValidatesPunchOrder(t *testing.T) {
	svc := NewService(&stubEntryStore{}, nil)
	in := time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC)
	_, err := svc.CorrectEntry(context.Background(), CorrectionInput{EntryID: 1, ClockIn: in, ClockOut: in})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestCorrectEntryHoldsOffLockUntilWritten(t *testing.T) {
	guard := &lockingGuard{}
	store := &stubEntryStore{entry: Entry{ID: 7, CompanyID: 1, PersonnelID: 3, WorkDate: day(2025, 1, 3)}}
	lockDone := make(chan struct{})
	lockedAtWrite := true
	store.onWrite = func() {
		go func() {
			guard.Lock()
			close(lockDone)
		}()
		select {
		case <-lockDone:
		case <-time.After(50 * time.Millisecond):
		}
		lockedAtWrite = guard.locked
	}
	svc := NewService(store, guard)

	in := time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC)
	_, err := svc.CorrectEntry(context.Background(), CorrectionInput{EntryID: 7, ClockIn: in, ClockOut: in.Add(8 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, lockedAtWrite, "lock landed between the check and the write")

	<-lockDone
	store.onWrite = nil
	store.updated = false
	_, err = svc.CorrectEntry(context.Background(), CorrectionInput{EntryID: 7, ClockIn: in, ClockOut: in.Add(6 * time.Hour)})
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.False(t, store.updated)
}
