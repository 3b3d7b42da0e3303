package payroll

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

// MemoryRepository keeps periods in memory. WithTx serialises callers the way
// the period row lock does and restores period state when fn fails.
type MemoryRepository struct {
	mu        sync.Mutex
	nextID    int64
	periods   map[int64]*Period
	byWindow  map[string]int64
	employees map[int64][]EmployeeTotals
	queue     *syncqueue.MemoryRepository
	txErr     error
}

// NewMemoryRepository returns an empty store that enqueues export items into
// queue.
func NewMemoryRepository(queue *syncqueue.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		periods:   make(map[int64]*Period),
		byWindow:  make(map[string]int64),
		employees: make(map[int64][]EmployeeTotals),
		queue:     queue,
	}
}

func (m *MemoryRepository) ensure(w Window) *Period {
	if id, ok := m.byWindow[w.key()]; ok {
		return m.periods[id]
	}
	m.nextID++
	p := &Period{ID: m.nextID, CompanyID: w.CompanyID, StartDate: w.Start, EndDate: w.End, Status: StatusPending, CreatedAt: time.Now()}
	m.periods[p.ID] = p
	m.byWindow[w.key()] = p.ID
	return p
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txErr != nil {
		return m.txErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[int64]Period, len(m.periods))
	for id, p := range m.periods {
		saved[id] = *p
	}
	if err := fn(ctx, &memoryTx{mock: m}); err != nil {
		for id, p := range saved {
			*m.periods[id] = p
		}
		return err
	}
	return nil
}

func (m *MemoryRepository) EnsurePeriod(_ context.Context, w Window) (Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ensure(w), nil
}

func (m *MemoryRepository) GetPeriod(_ context.Context, id int64) (Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return *p, nil
}

func (m *MemoryRepository) ListPeriods(_ context.Context, companyID int64, limit int) ([]Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Period
	for _, p := range m.periods {
		if p.CompanyID == companyID && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryRepository) Employees(_ context.Context, periodID int64) ([]EmployeeTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmployeeTotals(nil), m.employees[periodID]...), nil
}

func (m *MemoryRepository) UnexportedLocked(_ context.Context, limit int) ([]Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Period
	for _, p := range m.periods {
		if p.Status == StatusLocked && !p.Exported && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryRepository) MarkExported(_ context.Context, periodID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[periodID]
	if !ok || p.Exported {
		return false, nil
	}
	p.Exported = true
	p.ExportedAt = &at
	return true, nil
}

type memoryTx struct {
	mock *MemoryRepository
}

func (t *memoryTx) LockPeriod(_ context.Context, w Window) (Period, error) {
	return *t.mock.ensure(w), nil
}

func (t *memoryTx) Employees(_ context.Context, periodID int64) ([]EmployeeTotals, error) {
	return append([]EmployeeTotals(nil), t.mock.employees[periodID]...), nil
}

func (t *memoryTx) SaveApproval(_ context.Context, periodID int64, snap Snapshot, approverID int64, notes string, at time.Time) (Period, error) {
	p := t.mock.periods[periodID]
	t.mock.employees[periodID] = append([]EmployeeTotals(nil), snap.Employees...)
	p.Status = StatusApproved
	p.EmployeeCount = len(snap.Employees)
	p.RegularHours = snap.RegularHours
	p.OvertimeHours = snap.OvertimeHours
	p.TotalHours = snap.TotalHours()
	p.IssueCount = snap.IssueCount
	p.ApprovedBy = &approverID
	p.ApprovedAt = &at
	p.ApprovalNotes = notes
	return *p, nil
}

func (t *memoryTx) SetLocked(_ context.Context, periodID, actorID int64, at time.Time) (Period, error) {
	p := t.mock.periods[periodID]
	p.Status = StatusLocked
	p.LockedBy = &actorID
	p.LockedAt = &at
	return *p, nil
}

func (t *memoryTx) SetUnlocked(_ context.Context, periodID int64) (Period, error) {
	p := t.mock.periods[periodID]
	p.Status = StatusApproved
	p.LockedBy = nil
	p.LockedAt = nil
	return *p, nil
}

func (t *memoryTx) Enqueue(ctx context.Context, item syncqueue.Prepared, at time.Time) (syncqueue.Item, bool, error) {
	return t.mock.queue.Upsert(ctx, item, at)
}

func (t *memoryTx) HoldCovering(_ context.Context, companyID int64, date time.Time) (bool, error) {
	for _, p := range t.mock.periods {
		if p.CompanyID == companyID && p.Status == StatusLocked && !date.Before(p.StartDate) && !date.After(p.EndDate) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) DB() db.DBTX { return nil }
