package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StartOfMonth returns midnight UTC on the first day of t's month.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// IsStale reports whether b's period predates the month containing now.
func IsStale(b *AIBudget, now time.Time) bool {
	return b.CurrentPeriodStart == nil || b.CurrentPeriodStart.Before(StartOfMonth(now))
}

// EnsureCurrentPeriod rolls b into the month containing now, zeroing its
// usage. It is the only place a period advances and reports whether b
// changed.
func EnsureCurrentPeriod(b *AIBudget, now time.Time) bool {
	if !IsStale(b, now) {
		return false
	}
	start := StartOfMonth(now)
	b.CurrentPeriodStart = &start
	b.CurrentMonthUsage = decimal.Zero
	b.UpdatedAt = now
	return true
}
