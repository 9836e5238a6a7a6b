// Package progress provides the data model for per-area verification
// progress: item and group snapshots, the status resolver, aggregate
// recounting, and the cache integrity guard.
//
// The structures here are CRDT-friendly with flat fields and explicit
// timestamps. The stored status on an item is a cache of what the resolver
// would compute from {dueAt, verifiedAt} at a given time; it is never a
// source of truth that can drift on its own.
package progress

import (
	"fmt"
	"time"

	"github.com/fieldline/verisync/internal/schedule"
)

// ItemStatus is the display status of one checklist item.
type ItemStatus string

const (
	// StatusPending means no verification has been recorded this period.
	StatusPending ItemStatus = "pending"
	// StatusInProgress means a verification attempt started but was not finalized.
	StatusInProgress ItemStatus = "in_progress"
	// StatusPass means the item was verified successfully within the current period.
	StatusPass ItemStatus = "pass"
	// StatusFail means the item failed verification within the current period.
	StatusFail ItemStatus = "fail"
	// StatusOverdue means the item is past its due date plus grace period.
	StatusOverdue ItemStatus = "overdue"
)

// IsValid reports whether s is a known item status.
func (s ItemStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPass, StatusFail, StatusOverdue:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a finalized verification outcome.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusPass || s == StatusFail
}

// SyncStatus describes whether an area's cache matches the remote store.
type SyncStatus string

const (
	// SyncSynced means all local changes have been confirmed remotely.
	SyncSynced SyncStatus = "synced"
	// SyncPending means local changes are awaiting transmission.
	SyncPending SyncStatus = "pending"
	// SyncError means the last sync attempt for the area failed.
	SyncError SyncStatus = "error"
)

// AreaItemProgress is one recurring checklist item within one area.
type AreaItemProgress struct {
	AreaItemID   string        `json:"area_item_id"`
	ItemName     string        `json:"item_name"`
	ScheduleType schedule.Type `json:"schedule_type"`
	Status       ItemStatus    `json:"status"`

	DueAt      time.Time  `json:"due_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	VerifiedBy string     `json:"verified_by,omitempty"`

	// LastResult is the raw outcome of the most recent verification
	// (pass, fail, or in_progress). Unlike Status it is never recomputed;
	// the resolver reinterprets it against the current period.
	LastResult ItemStatus `json:"last_result,omitempty"`

	// Derived flags, recomputed alongside Status.
	IsDue     bool `json:"is_due"`
	IsOverdue bool `json:"is_overdue"`

	// PhotoRefs holds local or remote references to evidence photos,
	// in attachment order.
	PhotoRefs []string `json:"photo_refs,omitempty"`

	// MonthlyDayStatuses tracks one status per calendar day (d1..d31)
	// for monthly items. Keys past the month's last day are never set.
	MonthlyDayStatuses map[string]ItemStatus `json:"monthly_day_statuses,omitempty"`
}

// Validate checks the item's field values.
func (p *AreaItemProgress) Validate() error {
	if p.AreaItemID == "" {
		return fmt.Errorf("area_item_id is required")
	}
	if !p.ScheduleType.IsValid() {
		return fmt.Errorf("invalid schedule type: %q", p.ScheduleType)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", p.Status)
	}
	return nil
}

// ScheduleGroupProgress aggregates all items of one schedule type in an area.
// Counts are always derived from Items by Recount; they are never
// incremented in place.
type ScheduleGroupProgress struct {
	Items                []*AreaItemProgress `json:"items"`
	TotalCount           int                 `json:"total_count"`
	CompletedCount       int                 `json:"completed_count"`
	FailedCount          int                 `json:"failed_count"`
	CompletionPercentage float64             `json:"completion_percentage"`
}

// LocalVerificationProgress is the root cache object for one area.
// It is owned exclusively by the progress store; the UI reads it through
// subscriptions and mutates it only through engine operations.
type LocalVerificationProgress struct {
	AreaID string `json:"area_id"`
	SiteID string `json:"site_id"`

	ScheduleGroups map[schedule.Type]*ScheduleGroupProgress `json:"schedule_groups"`

	SyncStatus   SyncStatus `json:"sync_status"`
	LastModified time.Time  `json:"last_modified"`
}

// NewSkeleton returns an empty cache value for an area, used on first load
// before the remote snapshot arrives and after a corrupted cache is discarded.
func NewSkeleton(areaID, siteID string) *LocalVerificationProgress {
	return &LocalVerificationProgress{
		AreaID: areaID,
		SiteID: siteID,
		ScheduleGroups: map[schedule.Type]*ScheduleGroupProgress{
			schedule.Daily:   {Items: []*AreaItemProgress{}},
			schedule.Weekly:  {Items: []*AreaItemProgress{}},
			schedule.Monthly: {Items: []*AreaItemProgress{}},
		},
		SyncStatus: SyncSynced,
	}
}

// Group returns the schedule group for t, creating it if missing.
func (l *LocalVerificationProgress) Group(t schedule.Type) *ScheduleGroupProgress {
	if l.ScheduleGroups == nil {
		l.ScheduleGroups = make(map[schedule.Type]*ScheduleGroupProgress)
	}
	g, ok := l.ScheduleGroups[t]
	if !ok {
		g = &ScheduleGroupProgress{Items: []*AreaItemProgress{}}
		l.ScheduleGroups[t] = g
	}
	return g
}

// FindItem returns the item with the given id, or nil.
func (l *LocalVerificationProgress) FindItem(itemID string) *AreaItemProgress {
	for _, g := range l.ScheduleGroups {
		for _, item := range g.Items {
			if item.AreaItemID == itemID {
				return item
			}
		}
	}
	return nil
}

// Touch records a local mutation: lastModified moves forward and the area
// is marked pending until the sync coordinator confirms.
func (l *LocalVerificationProgress) Touch(now time.Time) {
	l.LastModified = now
	l.SyncStatus = SyncPending
}

// Clone returns a deep copy. Subscribers receive clones so the store's
// snapshot can never be mutated from outside.
func (l *LocalVerificationProgress) Clone() *LocalVerificationProgress {
	out := &LocalVerificationProgress{
		AreaID:         l.AreaID,
		SiteID:         l.SiteID,
		SyncStatus:     l.SyncStatus,
		LastModified:   l.LastModified,
		ScheduleGroups: make(map[schedule.Type]*ScheduleGroupProgress, len(l.ScheduleGroups)),
	}
	for typ, g := range l.ScheduleGroups {
		cg := &ScheduleGroupProgress{
			Items:                make([]*AreaItemProgress, 0, len(g.Items)),
			TotalCount:           g.TotalCount,
			CompletedCount:       g.CompletedCount,
			FailedCount:          g.FailedCount,
			CompletionPercentage: g.CompletionPercentage,
		}
		for _, item := range g.Items {
			cg.Items = append(cg.Items, item.clone())
		}
		out.ScheduleGroups[typ] = cg
	}
	return out
}

func (p *AreaItemProgress) clone() *AreaItemProgress {
	c := *p
	if p.VerifiedAt != nil {
		t := *p.VerifiedAt
		c.VerifiedAt = &t
	}
	if p.PhotoRefs != nil {
		c.PhotoRefs = append([]string(nil), p.PhotoRefs...)
	}
	if p.MonthlyDayStatuses != nil {
		c.MonthlyDayStatuses = make(map[string]ItemStatus, len(p.MonthlyDayStatuses))
		for k, v := range p.MonthlyDayStatuses {
			c.MonthlyDayStatuses[k] = v
		}
	}
	return &c
}
