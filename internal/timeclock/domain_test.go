package timeclock

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSplitOvertimeUsesISOWeeks(t *testing.T) {
	days := []DailyHours{
		// week 1 of 2025: Mon 30 Dec 2024 .. Sun 5 Jan 2025
		{Date: day(2025, 1, 1), Hours: decimal.NewFromInt(10)},
		{Date: day(2025, 1, 2), Hours: decimal.NewFromInt(10)},
		{Date: day(2025, 1, 3), Hours: decimal.NewFromInt(10)},
		{Date: day(2025, 1, 4), Hours: decimal.NewFromInt(12)},
		// week 2
		{Date: day(2025, 1, 6), Hours: decimal.RequireFromString("8.5")},
		{Date: day(2025, 1, 7), Hours: decimal.NewFromInt(8)},
	}
	regular, overtime := SplitOvertime(days, decimal.NewFromInt(40))
	assert.Equal(t, "56.5", regular.String())
	assert.Equal(t, "2", overtime.String())
}

func TestSplitOvertimeZeroThresholdDisablesOvertime(t *testing.T) {
	days := []DailyHours{{Date: day(2025, 1, 1), Hours: decimal.NewFromInt(60)}}
	regular, overtime := SplitOvertime(days, decimal.Zero)
	assert.Equal(t, "60", regular.String())
	assert.True(t, overtime.IsZero())
}

func TestPunchHours(t *testing.T) {
	in := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "8.25", PunchHours(in, in.Add(8*time.Hour+15*time.Minute)).String())
	assert.True(t, PunchHours(in, in.Add(-time.Hour)).IsZero())
}

func TestPersonnelDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", Personnel{FirstName: "Ada", LastName: "Lovelace"}.DisplayName())
	assert.Equal(t, "Cher", Personnel{FirstName: "Cher"}.DisplayName())
}
