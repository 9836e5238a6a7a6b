// Package schedule provides pure calendar math for recurring inspection items.
//
// All functions are side-effect free: given a schedule type and a reference
// time they compute due dates, grace periods, overdue flags, and period keys.
// Nothing in this package reads a clock; callers pass "now" explicitly so the
// results are reproducible in tests.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Type is the recurrence cadence of a checklist item.
type Type string

const (
	// Daily items are due at the start of every calendar day.
	Daily Type = "daily"
	// Weekly items are due on a fixed configured weekday.
	Weekly Type = "weekly"
	// Monthly items are due on day 1 of the month, with progress tracked
	// per calendar day (d1..d31).
	Monthly Type = "monthly"
)

// IsValid reports whether t is one of the known schedule types.
func (t Type) IsValid() bool {
	switch t {
	case Daily, Weekly, Monthly:
		return true
	default:
		return false
	}
}

// ParseType parses a schedule type string, case-insensitively.
func ParseType(input string) (Type, error) {
	t := Type(strings.TrimSpace(strings.ToLower(input)))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid schedule type: %q", input)
	}
	return t, nil
}

// startOfDay truncates t to midnight in its own location.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DueDate returns the due timestamp for the period containing ref.
//
// Daily items are due at the start of ref's calendar day. Weekly items are
// due at the start of the most recent occurrence of weeklyDueDay on or
// before ref. Monthly items are due at the start of day 1 of ref's month.
func DueDate(t Type, ref time.Time, weeklyDueDay time.Weekday) time.Time {
	switch t {
	case Daily:
		return startOfDay(ref)
	case Weekly:
		days := int(ref.Weekday() - weeklyDueDay)
		if days < 0 {
			days += 7
		}
		return startOfDay(ref.AddDate(0, 0, -days))
	case Monthly:
		return time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
	default:
		return startOfDay(ref)
	}
}

// GracePeriod returns how long after the due date an item may remain
// unverified before it counts as overdue: 24 hours for daily, 7 days for
// weekly, and the full length of the month for monthly (a monthly item is
// never overdue until its month has ended).
func GracePeriod(t Type, ref time.Time) time.Duration {
	switch t {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
		return first.AddDate(0, 1, 0).Sub(first)
	default:
		return 24 * time.Hour
	}
}

// IsOverdue reports whether an item due at due is overdue at now.
// An item is overdue when now is past the due date plus the grace period.
func IsOverdue(t Type, due, now time.Time) bool {
	return now.After(due.Add(GracePeriod(t, due)))
}

// PeriodKey returns a stable identifier for the schedule period containing
// ref: "2026-08-27" for daily, "2026-W35" for weekly (ISO week), and
// "2026-08" for monthly. Period keys are used for notification dedup and
// for deciding whether a past verification still counts.
func PeriodKey(t Type, ref time.Time) string {
	switch t {
	case Daily:
		return ref.Format("2006-01-02")
	case Weekly:
		year, week := ref.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		return ref.Format("2006-01")
	default:
		return ref.Format("2006-01-02")
	}
}

// SamePeriod reports whether a and b fall in the same schedule period.
func SamePeriod(t Type, a, b time.Time) bool {
	return PeriodKey(t, a) == PeriodKey(t, b)
}

// DaysInMonth returns the number of calendar days in ref's month.
func DaysInMonth(ref time.Time) int {
	first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
	return first.AddDate(0, 1, -1).Day()
}

// DayKey returns the per-day slot key for a monthly item: "d1".."d31".
func DayKey(t time.Time) string {
	return fmt.Sprintf("d%d", t.Day())
}

// MonthDayKeys returns the valid day slot keys for ref's month, in order.
// Months shorter than 31 days never produce keys past their last day, so
// d29..d31 are excluded from completion denominators in February.
func MonthDayKeys(ref time.Time) []string {
	n := DaysInMonth(ref)
	keys := make([]string, 0, n)
	for d := 1; d <= n; d++ {
		keys = append(keys, fmt.Sprintf("d%d", d))
	}
	return keys
}
