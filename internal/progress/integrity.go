package progress

import (
	"errors"
	"fmt"
	"time"
)

// ErrCacheCorrupt marks a cached area snapshot that failed validation.
// Callers discard the value and rebuild from the next remote fetch rather
// than serve known-bad data.
var ErrCacheCorrupt = errors.New("cache integrity violation")

// CheckIntegrity validates the structural and logical consistency of a
// cached area snapshot:
//
//   - every item sits in the schedule group matching its schedule type,
//     and no item appears in more than one group
//   - aggregate counts match a fresh recount of the items
//   - no verification timestamp is in the future
//
// Any violation is returned wrapped in ErrCacheCorrupt.
func CheckIntegrity(l *LocalVerificationProgress, now time.Time) error {
	if l == nil {
		return fmt.Errorf("%w: nil snapshot", ErrCacheCorrupt)
	}
	if l.AreaID == "" {
		return fmt.Errorf("%w: missing area id", ErrCacheCorrupt)
	}

	seen := make(map[string]bool)
	for typ, g := range l.ScheduleGroups {
		if g == nil {
			return fmt.Errorf("%w: nil group %q", ErrCacheCorrupt, typ)
		}
		for _, item := range g.Items {
			if item == nil {
				return fmt.Errorf("%w: nil item in group %q", ErrCacheCorrupt, typ)
			}
			if err := item.Validate(); err != nil {
				return fmt.Errorf("%w: item %s: %v", ErrCacheCorrupt, item.AreaItemID, err)
			}
			if item.ScheduleType != typ {
				return fmt.Errorf("%w: item %s has type %q but sits in group %q",
					ErrCacheCorrupt, item.AreaItemID, item.ScheduleType, typ)
			}
			if seen[item.AreaItemID] {
				return fmt.Errorf("%w: item %s appears in more than one group",
					ErrCacheCorrupt, item.AreaItemID)
			}
			seen[item.AreaItemID] = true

			if item.VerifiedAt != nil && item.VerifiedAt.After(now) {
				return fmt.Errorf("%w: item %s verified_at %v is in the future",
					ErrCacheCorrupt, item.AreaItemID, item.VerifiedAt)
			}
		}

		if err := checkCounts(typ, g); err != nil {
			return err
		}
	}

	return nil
}

// checkCounts compares stored aggregates against a fresh recount.
func checkCounts(typ any, g *ScheduleGroupProgress) error {
	fresh := ScheduleGroupProgress{Items: g.Items}
	fresh.Recount()

	if g.TotalCount != fresh.TotalCount {
		return fmt.Errorf("%w: group %v total_count %d != recount %d",
			ErrCacheCorrupt, typ, g.TotalCount, fresh.TotalCount)
	}
	if g.CompletedCount != fresh.CompletedCount {
		return fmt.Errorf("%w: group %v completed_count %d != recount %d",
			ErrCacheCorrupt, typ, g.CompletedCount, fresh.CompletedCount)
	}
	if g.FailedCount != fresh.FailedCount {
		return fmt.Errorf("%w: group %v failed_count %d != recount %d",
			ErrCacheCorrupt, typ, g.FailedCount, fresh.FailedCount)
	}
	return nil
}
