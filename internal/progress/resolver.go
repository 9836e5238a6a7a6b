package progress

import (
	"time"

	"github.com/fieldline/verisync/internal/schedule"
)

// Resolve derives the display status for an item from its stored
// verification record and the current time. It is a pure function: given the
// same inputs it always produces the same status.
//
// Priority order, highest first: overdue > fail > in_progress > pass >
// pending. A verification recorded in a previous schedule period never
// counts toward the current period; each period starts pending regardless of
// prior history.
func Resolve(t schedule.Type, dueAt time.Time, verifiedAt *time.Time, recorded ItemStatus, now time.Time) ItemStatus {
	verifiedThisPeriod := verifiedAt != nil && schedule.SamePeriod(t, *verifiedAt, now)

	// A pass within the current period settles the item; anything else
	// leaves it exposed to the overdue check.
	if verifiedThisPeriod && recorded == StatusPass {
		return StatusPass
	}

	if schedule.IsOverdue(t, dueAt, now) {
		return StatusOverdue
	}

	if verifiedThisPeriod {
		switch recorded {
		case StatusFail:
			return StatusFail
		case StatusInProgress:
			return StatusInProgress
		}
	}

	return StatusPending
}

// Refresh recomputes an item's cached status and derived flags at now.
// The stored verification record is reinterpreted against the current
// period, so stale pass/fail results from earlier periods fall away.
//
// The due date rolls forward to the current period only once the stored
// period is settled by a terminal verification; an unverified item keeps its
// old due date so overdue keeps accruing instead of silently resetting at
// midnight. Rollover is monotonic, the due date never moves backwards.
func Refresh(item *AreaItemProgress, now time.Time, weeklyDueDay time.Weekday) {
	current := schedule.DueDate(item.ScheduleType, now, weeklyDueDay)
	if item.DueAt.IsZero() {
		item.DueAt = current
	} else if item.DueAt.Before(current) {
		settled := item.VerifiedAt != nil &&
			item.LastResult.IsTerminal() &&
			!item.VerifiedAt.Before(item.DueAt)
		if settled {
			item.DueAt = current
		}
	}

	item.Status = Resolve(item.ScheduleType, item.DueAt, item.VerifiedAt, item.LastResult, now)
	item.IsOverdue = item.Status == StatusOverdue
	item.IsDue = item.Status == StatusPending || item.Status == StatusInProgress || item.IsOverdue

	if item.ScheduleType == schedule.Monthly {
		pruneDayStatuses(item, now)
	}
}

// pruneDayStatuses drops day slots that cannot exist in now's month and
// day entries recorded in a different month. Day keys beyond the month's
// last day are never populated.
func pruneDayStatuses(item *AreaItemProgress, now time.Time) {
	if item.MonthlyDayStatuses == nil {
		return
	}
	if item.VerifiedAt != nil && !schedule.SamePeriod(schedule.Monthly, *item.VerifiedAt, now) {
		// New month: the per-day grid starts over.
		item.MonthlyDayStatuses = map[string]ItemStatus{}
		return
	}
	valid := make(map[string]bool, 31)
	for _, k := range schedule.MonthDayKeys(now) {
		valid[k] = true
	}
	for k := range item.MonthlyDayStatuses {
		if !valid[k] {
			delete(item.MonthlyDayStatuses, k)
		}
	}
}
