package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

// Repository is the persistence boundary of the ledger.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	EnsurePeriod(ctx context.Context, w Window) (Period, error)
	GetPeriod(ctx context.Context, id int64) (Period, error)
	ListPeriods(ctx context.Context, companyID int64, limit int) ([]Period, error)
	Employees(ctx context.Context, periodID int64) ([]EmployeeTotals, error)
	UnexportedLocked(ctx context.Context, limit int) ([]Period, error)
	MarkExported(ctx context.Context, periodID int64, at time.Time) (bool, error)
}

// TxRepository exposes the operations run under a period row lock.
type TxRepository interface {
	LockPeriod(ctx context.Context, w Window) (Period, error)
	Employees(ctx context.Context, periodID int64) ([]EmployeeTotals, error)
	SaveApproval(ctx context.Context, periodID int64, snap Snapshot, approverID int64, notes string, at time.Time) (Period, error)
	SetLocked(ctx context.Context, periodID, actorID int64, at time.Time) (Period, error)
	SetUnlocked(ctx context.Context, periodID int64) (Period, error)
	Enqueue(ctx context.Context, item syncqueue.Prepared, at time.Time) (syncqueue.Item, bool, error)
	// HoldCovering share-locks the company's periods spanning date until the
	// transaction ends and reports whether one of them is locked.
	HoldCovering(ctx context.Context, companyID int64, date time.Time) (bool, error)
	// DB is the transaction handle for writes other packages make under the
	// same commit. The in-memory store returns nil.
	DB() db.DBTX
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	tx    pgx.Tx
	queue *syncqueue.PGRepository
}

// WithTx runs fn inside a repeatable-read transaction. Queue writes made
// through the TxRepository commit or roll back with the period change. A
// transaction that loses a concurrent update to the same period row is rerun,
// so a second Lock observes the first one's result.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, queue: syncqueue.NewRepository(tx)})
	})
}

const periodColumns = `id, company_id, start_date, end_date, status, employee_count, regular_hours::text,
	overtime_hours::text, total_hours::text, issue_count, approved_by, approved_at, approval_notes,
	locked_by, locked_at, exported, exported_at, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p                         Period
		regular, overtime, totals string
	)
	err := row.Scan(&p.ID, &p.CompanyID, &p.StartDate, &p.EndDate, &p.Status, &p.EmployeeCount, &regular,
		&overtime, &totals, &p.IssueCount, &p.ApprovedBy, &p.ApprovedAt, &p.ApprovalNotes,
		&p.LockedBy, &p.LockedAt, &p.Exported, &p.ExportedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	if err != nil {
		return Period{}, err
	}
	if p.RegularHours, err = decimal.NewFromString(regular); err != nil {
		return Period{}, err
	}
	if p.OvertimeHours, err = decimal.NewFromString(overtime); err != nil {
		return Period{}, err
	}
	if p.TotalHours, err = decimal.NewFromString(totals); err != nil {
		return Period{}, err
	}
	return p, nil
}

// EnsurePeriod returns the period for a window, creating it on first view.
func (r *PGRepository) EnsurePeriod(ctx context.Context, w Window) (Period, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO pay_periods (company_id, start_date, end_date)
		VALUES ($1, $2, $3) ON CONFLICT (company_id, start_date, end_date) DO NOTHING`,
		w.CompanyID, w.Start, w.End); err != nil {
		return Period{}, fmt.Errorf("payroll: ensure period: %w", err)
	}
	return scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM pay_periods
		WHERE company_id = $1 AND start_date = $2 AND end_date = $3`, w.CompanyID, w.Start, w.End))
}

// GetPeriod loads a period by id.
func (r *PGRepository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM pay_periods WHERE id = $1`, id))
}

// ListPeriods returns the latest periods of a company.
func (r *PGRepository) ListPeriods(ctx context.Context, companyID int64, limit int) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM pay_periods
		WHERE company_id = $1 ORDER BY start_date DESC LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("payroll: list periods: %w", err)
	}
	return collectPeriods(rows)
}

func collectPeriods(rows pgx.Rows) ([]Period, error) {
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Employees returns the approval snapshot rows of a period.
func (r *PGRepository) Employees(ctx context.Context, periodID int64) ([]EmployeeTotals, error) {
	return loadEmployees(ctx, r.pool, periodID)
}

func loadEmployees(ctx context.Context, q db.DBTX, periodID int64) ([]EmployeeTotals, error) {
	rows, err := q.Query(ctx, `SELECT personnel_id, display_name, regular_hours::text, overtime_hours::text
		FROM pay_period_employees WHERE pay_period_id = $1 ORDER BY personnel_id`, periodID)
	if err != nil {
		return nil, fmt.Errorf("payroll: load employees: %w", err)
	}
	defer rows.Close()
	var out []EmployeeTotals
	for rows.Next() {
		var (
			e                 EmployeeTotals
			regular, overtime string
		)
		if err := rows.Scan(&e.PersonnelID, &e.DisplayName, &regular, &overtime); err != nil {
			return nil, err
		}
		if e.RegularHours, err = decimal.NewFromString(regular); err != nil {
			return nil, err
		}
		if e.OvertimeHours, err = decimal.NewFromString(overtime); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UnexportedLocked returns locked periods still awaiting export confirmation.
func (r *PGRepository) UnexportedLocked(ctx context.Context, limit int) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM pay_periods
		WHERE status = 'locked' AND NOT exported ORDER BY locked_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("payroll: unexported periods: %w", err)
	}
	return collectPeriods(rows)
}

// MarkExported sets the exported flag once; false means it was already set.
func (r *PGRepository) MarkExported(ctx context.Context, periodID int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE pay_periods SET exported = TRUE, exported_at = $2, updated_at = $2
		WHERE id = $1 AND NOT exported`, periodID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) HoldCovering(ctx context.Context, companyID int64, date time.Time) (bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT status FROM pay_periods
		WHERE company_id = $1 AND $2::date BETWEEN start_date AND end_date FOR SHARE`, companyID, date)
	if err != nil {
		return false, fmt.Errorf("payroll: hold covering periods: %w", err)
	}
	defer rows.Close()
	locked := false
	for rows.Next() {
		var status Status
		if err := rows.Scan(&status); err != nil {
			return false, err
		}
		if status == StatusLocked {
			locked = true
		}
	}
	return locked, rows.Err()
}

func (t *txRepo) DB() db.DBTX { return t.tx }

// LockPeriod selects the period row FOR UPDATE, creating it when missing.
func (t *txRepo) LockPeriod(ctx context.Context, w Window) (Period, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO pay_periods (company_id, start_date, end_date)
		VALUES ($1, $2, $3) ON CONFLICT (company_id, start_date, end_date) DO NOTHING`,
		w.CompanyID, w.Start, w.End); err != nil {
		return Period{}, fmt.Errorf("payroll: ensure period: %w", err)
	}
	return scanPeriod(t.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM pay_periods
		WHERE company_id = $1 AND start_date = $2 AND end_date = $3 FOR UPDATE`, w.CompanyID, w.Start, w.End))
}

func (t *txRepo) Employees(ctx context.Context, periodID int64) ([]EmployeeTotals, error) {
	return loadEmployees(ctx, t.tx, periodID)
}

// SaveApproval freezes the snapshot and moves the period to approved.
func (t *txRepo) SaveApproval(ctx context.Context, periodID int64, snap Snapshot, approverID int64, notes string, at time.Time) (Period, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM pay_period_employees WHERE pay_period_id = $1`, periodID); err != nil {
		return Period{}, err
	}
	if len(snap.Employees) > 0 {
		ids := make([]int64, 0, len(snap.Employees))
		names := make([]string, 0, len(snap.Employees))
		regular := make([]string, 0, len(snap.Employees))
		overtime := make([]string, 0, len(snap.Employees))
		for _, e := range snap.Employees {
			ids = append(ids, e.PersonnelID)
			names = append(names, e.DisplayName)
			regular = append(regular, e.RegularHours.String())
			overtime = append(overtime, e.OvertimeHours.String())
		}
		if _, err := t.tx.Exec(ctx, `INSERT INTO pay_period_employees (pay_period_id, personnel_id, display_name, regular_hours, overtime_hours)
			SELECT $1, p, n, r::numeric, o::numeric FROM unnest($2::bigint[], $3::text[], $4::text[], $5::text[]) AS t(p, n, r, o)`,
			periodID, ids, names, regular, overtime); err != nil {
			return Period{}, fmt.Errorf("payroll: snapshot employees: %w", err)
		}
	}
	return scanPeriod(t.tx.QueryRow(ctx, `UPDATE pay_periods SET
			status = 'approved', employee_count = $2, regular_hours = $3::numeric, overtime_hours = $4::numeric,
			total_hours = $5::numeric, issue_count = $6, approved_by = $7, approved_at = $8, approval_notes = $9, updated_at = $8
		WHERE id = $1 RETURNING `+periodColumns,
		periodID, len(snap.Employees), snap.RegularHours.String(), snap.OvertimeHours.String(),
		snap.TotalHours().String(), snap.IssueCount, approverID, at, notes))
}

// SetLocked moves an approved period to locked.
func (t *txRepo) SetLocked(ctx context.Context, periodID, actorID int64, at time.Time) (Period, error) {
	return scanPeriod(t.tx.QueryRow(ctx, `UPDATE pay_periods SET status = 'locked', locked_by = $2, locked_at = $3, updated_at = $3
		WHERE id = $1 RETURNING `+periodColumns, periodID, actorID, at))
}

// SetUnlocked moves a locked period back to approved.
func (t *txRepo) SetUnlocked(ctx context.Context, periodID int64) (Period, error) {
	return scanPeriod(t.tx.QueryRow(ctx, `UPDATE pay_periods SET status = 'approved', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 RETURNING `+periodColumns, periodID))
}

// Enqueue writes a prepared export item within the transaction.
func (t *txRepo) Enqueue(ctx context.Context, item syncqueue.Prepared, at time.Time) (syncqueue.Item, bool, error) {
	return t.queue.Upsert(ctx, item, at)
}
