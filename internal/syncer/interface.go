// Package syncer drains the offline write queue against the remote document
// store and reconciles remote-authoritative data back into the local
// progress store.
package syncer

import (
	"context"
	"time"

	"github.com/fieldline/verisync/internal/progress"
	"github.com/fieldline/verisync/internal/schedule"
)

// RemoteItem is one checklist item as the remote document store reports it.
// Only the fields the engine reads are modeled; the concrete wire format of
// the backing store is out of scope.
type RemoteItem struct {
	AreaItemID   string        `json:"area_item_id"`
	ItemName     string        `json:"item_name"`
	ScheduleType schedule.Type `json:"schedule_type"`

	VerifiedAt *time.Time          `json:"verified_at,omitempty"`
	VerifiedBy string              `json:"verified_by,omitempty"`
	LastResult progress.ItemStatus `json:"last_result,omitempty"`
	PhotoRefs  []string            `json:"photo_refs,omitempty"`
}

// Remote is the opaque document-store API the coordinator talks to.
//
// Both operations are idempotent: FetchAreaSnapshot is a read, and
// WriteVerification is keyed by the client-generated mutation id, so a
// resumed batch can safely re-send a write the server already applied.
// Implementations must honor ctx cancellation and deadlines.
type Remote interface {
	// FetchAreaSnapshot returns the authoritative item list for an area.
	FetchAreaSnapshot(ctx context.Context, companyID, siteID, areaID string) ([]RemoteItem, error)

	// WriteVerification pushes one mutation to the remote store.
	//
	// Returns an error wrapping ErrRemoteRejected when the server refused
	// the mutation; any other error is treated as transient and retried.
	WriteVerification(ctx context.Context, companyID, areaID, itemID, mutationID string, payload []byte) error
}

// toProgressItem converts a remote item into the local cache representation.
// Status starts pending; the store's refresh pass resolves it against the
// current period.
func toProgressItem(ri RemoteItem) *progress.AreaItemProgress {
	item := &progress.AreaItemProgress{
		AreaItemID:   ri.AreaItemID,
		ItemName:     ri.ItemName,
		ScheduleType: ri.ScheduleType,
		Status:       progress.StatusPending,
		VerifiedBy:   ri.VerifiedBy,
		LastResult:   ri.LastResult,
		PhotoRefs:    append([]string(nil), ri.PhotoRefs...),
	}
	if ri.VerifiedAt != nil {
		t := *ri.VerifiedAt
		item.VerifiedAt = &t
	}
	return item
}
