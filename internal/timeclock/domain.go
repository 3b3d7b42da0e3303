// Package timeclock exposes committed time-clock data to payroll settlement.
// Capturing punches belongs to the attendance module; this package only
// aggregates what has been committed and guards corrections.
package timeclock

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Issue kinds surfaced to the pay-period ledger.
const (
	IssueMissingPunch         = "missing_punch"
	IssueUnresolvedCorrection = "unresolved_correction"
)

// Issue describes a data-quality problem that blocks approval.
type Issue struct {
	Kind    string    `json:"kind"`
	EntryID int64     `json:"entry_id"`
	Date    time.Time `json:"date"`
	Detail  string    `json:"detail,omitempty"`
}

// Totals is the per-employee output contract of the aggregator.
type Totals struct {
	RegularHours  decimal.Decimal `json:"regular_hours"`
	OvertimeHours decimal.Decimal `json:"overtime_hours"`
	Issues        []Issue         `json:"issues"`
}

// TotalHours returns regular plus overtime.
func (t Totals) TotalHours() decimal.Decimal {
	return t.RegularHours.Add(t.OvertimeHours)
}

// Personnel is the slice of a personnel record payroll needs.
type Personnel struct {
	ID        int64
	CompanyID int64
	FirstName string
	LastName  string
}

// DisplayName joins first and last names.
func (p Personnel) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Aggregator computes hour totals over committed time-clock data.
type Aggregator interface {
	ComputeTotals(ctx context.Context, personnelID int64, periodStart, periodEnd time.Time) (Totals, error)
}

// Roster lists the personnel in scope for a company.
type Roster interface {
	ListPersonnel(ctx context.Context, companyID int64) ([]Personnel, error)
}

// DailyHours is the worked time committed for a single date.
type DailyHours struct {
	Date  time.Time
	Hours decimal.Decimal
}

// SplitOvertime splits daily hours into regular and overtime using a weekly
// threshold over ISO weeks.
func SplitOvertime(days []DailyHours, weeklyThreshold decimal.Decimal) (regular, overtime decimal.Decimal) {
	type weekKey struct{ year, week int }
	weeks := make(map[weekKey]decimal.Decimal)
	keys := make([]weekKey, 0)
	for _, d := range days {
		y, w := d.Date.ISOWeek()
		k := weekKey{y, w}
		if _, ok := weeks[k]; !ok {
			keys = append(keys, k)
		}
		weeks[k] = weeks[k].Add(d.Hours)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].week < keys[j].week
	})
	regular, overtime = decimal.Zero, decimal.Zero
	for _, k := range keys {
		sum := weeks[k]
		if weeklyThreshold.IsPositive() && sum.GreaterThan(weeklyThreshold) {
			regular = regular.Add(weeklyThreshold)
			overtime = overtime.Add(sum.Sub(weeklyThreshold))
			continue
		}
		regular = regular.Add(sum)
	}
	return regular.Round(2), overtime.Round(2)
}

// PunchHours converts a clock-in/out pair to hours rounded to hundredths.
func PunchHours(clockIn, clockOut time.Time) decimal.Decimal {
	if !clockOut.After(clockIn) {
		return decimal.Zero
	}
	minutes := decimal.NewFromInt(int64(clockOut.Sub(clockIn) / time.Minute))
	return minutes.Div(decimal.NewFromInt(60)).Round(2)
}
