// Package engine is the UI-facing facade over the progress store, the
// offline queue, the sync coordinator, and the notification grouper.
//
// The UI never talks to those components directly; every screen action maps
// to one engine operation, and screen state arrives through subscriptions.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldline/verisync/internal/notify"
	"github.com/fieldline/verisync/internal/progress"
	"github.com/fieldline/verisync/internal/queue"
	"github.com/fieldline/verisync/internal/store"
	"github.com/fieldline/verisync/internal/syncer"
)

// Engine coordinates the local-first verification workflow.
type Engine struct {
	store  *store.Store
	queue  *queue.Queue
	coord  *syncer.Coordinator
	notify *notify.Grouper

	siteID string
	logger *log.Logger

	wg sync.WaitGroup
}

// Options carries the engine's collaborators; all are required except Logger.
type Options struct {
	Store    *store.Store
	Queue    *queue.Queue
	Syncer   *syncer.Coordinator
	Notifier *notify.Grouper
	SiteID   string
	Logger   *log.Logger
}

// New wires the engine together.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:  opts.Store,
		queue:  opts.Queue,
		coord:  opts.Syncer,
		notify: opts.Notifier,
		siteID: opts.SiteID,
		logger: logger,
	}
}

// Close waits for background sync triggers started by engine operations.
// It does not close the underlying components; the caller owns those.
func (e *Engine) Close() {
	e.wg.Wait()
}

// OnAreaOpened loads an area's snapshot for display. When the cache has no
// usable data for the area (first visit, or a corrupt cache that was
// discarded) a background sync is triggered to populate it.
func (e *Engine) OnAreaOpened(ctx context.Context, areaID string) (*progress.LocalVerificationProgress, error) {
	snap, needsFetch, err := e.store.Load(ctx, areaID, e.siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to open area %s: %w", areaID, err)
	}
	if needsFetch {
		e.triggerSync(areaID)
	}
	return snap, nil
}

// OnAreaClosed cancels any in-flight sync for the area. Its queue entries
// stay pending and its snapshot remains cached until idle eviction.
func (e *Engine) OnAreaClosed(areaID string) {
	e.coord.CancelArea(areaID)
}

// OnVerify records a verification: the mutation is appended to the durable
// queue first, then applied optimistically to the cached snapshot, then a
// sync is triggered. The returned snapshot already reflects the change, so
// the UI updates immediately whether or not the device is online.
func (e *Engine) OnVerify(ctx context.Context, areaID string, v store.Verification) (*progress.LocalVerificationProgress, error) {
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now().UTC()
	}

	_, err := e.queue.Enqueue(ctx, areaID, queue.KindVerifyItem, queue.VerifyPayload{
		AreaItemID: v.ItemID,
		Result:     string(v.Result),
		VerifiedBy: v.VerifiedBy,
		VerifiedAt: v.VerifiedAt,
		PhotoRefs:  v.PhotoRefs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue verification of %s: %w", v.ItemID, err)
	}

	snap, err := e.store.ApplyVerification(ctx, areaID, v)
	if err != nil {
		// The entry is already durable; it will sync even though the
		// optimistic apply failed.
		return nil, fmt.Errorf("failed to apply verification of %s: %w", v.ItemID, err)
	}

	e.triggerSync(areaID)
	return snap, nil
}

// OnAttachPhoto records evidence photos for an item, queued durably and
// attached to the cached snapshot like any other mutation.
func (e *Engine) OnAttachPhoto(ctx context.Context, areaID, itemID string, refs []string) (*progress.LocalVerificationProgress, error) {
	_, err := e.queue.Enqueue(ctx, areaID, queue.KindAttachPhoto, queue.VerifyPayload{
		AreaItemID: itemID,
		VerifiedAt: time.Now().UTC(),
		PhotoRefs:  refs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue photo attachment for %s: %w", itemID, err)
	}

	snap, err := e.store.AttachPhotos(ctx, areaID, itemID, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to attach photos to %s: %w", itemID, err)
	}

	e.triggerSync(areaID)
	return snap, nil
}

// OnRefreshRequested is the pull-to-refresh action: a synchronous
// drain-and-reconcile pass for the area.
func (e *Engine) OnRefreshRequested(ctx context.Context, areaID string) error {
	return e.coord.RequestSync(ctx, areaID)
}

// NetworkAvailable notifies the engine that connectivity returned; every
// area with pending work starts syncing.
func (e *Engine) NetworkAvailable(ctx context.Context) {
	e.coord.NetworkAvailable(ctx)
}

// Subscribe streams snapshot updates for an area. The returned cancel
// function releases the subscription.
func (e *Engine) Subscribe(areaID string) (<-chan *progress.LocalVerificationProgress, func()) {
	return e.store.Subscribe(areaID)
}

// SyncStatus reports whether the area's cache matches the remote store.
func (e *Engine) SyncStatus(areaID string) progress.SyncStatus {
	return e.store.SyncStatus(areaID)
}

// PendingCount returns the number of unsynced mutations for an area.
func (e *Engine) PendingCount(ctx context.Context, areaID string) (int, error) {
	return e.queue.PendingCount(ctx, areaID)
}

// BadgeCount returns the app badge: items needing attention across all
// loaded areas.
func (e *Engine) BadgeCount() int {
	return e.notify.BadgeCount()
}

// SweepNotifications returns the undelivered reminders for this period.
func (e *Engine) SweepNotifications(ctx context.Context, now time.Time) ([]notify.Notification, error) {
	return e.notify.Sweep(ctx, now)
}

// triggerSync starts a best-effort background sync for the area.
func (e *Engine) triggerSync(areaID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.coord.SyncArea(context.Background(), areaID); err != nil {
			e.logger.Printf("Background sync for area %s failed: %v", areaID, err)
		}
	}()
}
