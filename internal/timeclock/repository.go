package timeclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// Entry is a committed clock-in/out row.
type Entry struct {
	ID          int64
	CompanyID   int64
	PersonnelID int64
	WorkDate    time.Time
	ClockIn     time.Time
	ClockOut    *time.Time
	Hours       decimal.Decimal
}

// Repository reads time-clock feeds from PostgreSQL.
type Repository struct {
	pool            *pgxpool.Pool
	weeklyThreshold decimal.Decimal
}

// NewRepository constructs a Repository. weeklyOvertimeHours of zero disables overtime.
func NewRepository(pool *pgxpool.Pool, weeklyOvertimeHours float64) *Repository {
	return &Repository{pool: pool, weeklyThreshold: decimal.NewFromFloat(weeklyOvertimeHours)}
}

// ComputeTotals implements Aggregator.
func (r *Repository) ComputeTotals(ctx context.Context, personnelID int64, periodStart, periodEnd time.Time) (Totals, error) {
	rows, err := r.pool.Query(ctx, `SELECT work_date, SUM(hours)::text
FROM time_entries
WHERE personnel_id = $1 AND work_date BETWEEN $2 AND $3 AND clock_out IS NOT NULL
GROUP BY work_date ORDER BY work_date`, personnelID, periodStart, periodEnd)
	if err != nil {
		return Totals{}, fmt.Errorf("timeclock: daily hours: %w", err)
	}
	var days []DailyHours
	for rows.Next() {
		var d DailyHours
		var raw string
		if err := rows.Scan(&d.Date, &raw); err != nil {
			rows.Close()
			return Totals{}, err
		}
		if d.Hours, err = decimal.NewFromString(raw); err != nil {
			rows.Close()
			return Totals{}, fmt.Errorf("timeclock: parse hours %q: %w", raw, err)
		}
		days = append(days, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Totals{}, err
	}

	var totals Totals
	totals.RegularHours, totals.OvertimeHours = SplitOvertime(days, r.weeklyThreshold)
	totals.Issues, err = r.issues(ctx, personnelID, periodStart, periodEnd)
	if err != nil {
		return Totals{}, err
	}
	return totals, nil
}

func (r *Repository) issues(ctx context.Context, personnelID int64, periodStart, periodEnd time.Time) ([]Issue, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, work_date, 'missing_punch' AS kind, '' AS detail
FROM time_entries
WHERE personnel_id = $1 AND work_date BETWEEN $2 AND $3 AND clock_out IS NULL
UNION ALL
SELECT te.id, te.work_date, 'unresolved_correction', c.reason
FROM time_correction_requests c
JOIN time_entries te ON te.id = c.time_entry_id
WHERE c.personnel_id = $1 AND c.status = 'pending' AND te.work_date BETWEEN $2 AND $3
ORDER BY 2, 1`, personnelID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("timeclock: issues: %w", err)
	}
	defer rows.Close()
	var issues []Issue
	for rows.Next() {
		var is Issue
		if err := rows.Scan(&is.EntryID, &is.Date, &is.Kind, &is.Detail); err != nil {
			return nil, err
		}
		issues = append(issues, is)
	}
	return issues, rows.Err()
}

// ListPersonnel implements Roster.
func (r *Repository) ListPersonnel(ctx context.Context, companyID int64) ([]Personnel, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, company_id, first_name, last_name
FROM personnel WHERE company_id = $1 AND active ORDER BY id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("timeclock: list personnel: %w", err)
	}
	defer rows.Close()
	var out []Personnel
	for rows.Next() {
		var p Personnel
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.FirstName, &p.LastName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPersonnel loads a single personnel record.
func (r *Repository) GetPersonnel(ctx context.Context, personnelID int64) (Personnel, error) {
	var p Personnel
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, first_name, last_name FROM personnel WHERE id = $1`, personnelID).
		Scan(&p.ID, &p.CompanyID, &p.FirstName, &p.LastName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Personnel{}, shared.NotFoundError("personnel %d not found", personnelID)
		}
		return Personnel{}, err
	}
	return p, nil
}

// GetEntry loads a time entry.
func (r *Repository) GetEntry(ctx context.Context, id int64) (Entry, error) {
	var e Entry
	var hours string
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, personnel_id, work_date, clock_in, clock_out, hours::text
FROM time_entries WHERE id = $1`, id).
		Scan(&e.ID, &e.CompanyID, &e.PersonnelID, &e.WorkDate, &e.ClockIn, &e.ClockOut, &hours)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, shared.NotFoundError("time entry %d not found", id)
		}
		return Entry{}, err
	}
	e.Hours, _ = decimal.NewFromString(hours)
	return e, nil
}

// UpdateEntryPunches rewrites the punches and derived hours for an entry. It
// runs on q when given, otherwise on the pool.
func (r *Repository) UpdateEntryPunches(ctx context.Context, q db.DBTX, id int64, clockIn, clockOut time.Time, hours decimal.Decimal) error {
	if q == nil {
		q = r.pool
	}
	tag, err := q.Exec(ctx, `UPDATE time_entries SET clock_in = $2, clock_out = $3, hours = $4::numeric, updated_at = NOW() WHERE id = $1`,
		id, clockIn, clockOut, hours.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundError("time entry %d not found", id)
	}
	return nil
}
