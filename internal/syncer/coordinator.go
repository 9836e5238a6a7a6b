package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fieldline/verisync/internal/progress"
	"github.com/fieldline/verisync/internal/queue"
	"github.com/fieldline/verisync/internal/store"
)

// State is an area's position in the sync state machine.
type State string

const (
	// StateIdle means no sync is running for the area.
	StateIdle State = "idle"
	// StateSyncing means a drain-and-reconcile pass is in flight.
	StateSyncing State = "syncing"
	// StateError means the last pass failed and the area is awaiting
	// its backoff before the next attempt.
	StateError State = "error"
)

// Config tunes the coordinator.
type Config struct {
	// CompanyID and SiteID identify this installation to the remote store.
	CompanyID string
	SiteID    string

	// BatchSize bounds how many queue entries one drain iteration pushes.
	BatchSize int

	// CallTimeout applies to every individual remote call. A timeout is
	// treated identically to a network error.
	CallTimeout time.Duration

	// Schedule is the cron spec for the periodic background trigger.
	Schedule string

	// Logger for sync activity. Nil uses a default stderr logger.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   20,
		CallTimeout: 15 * time.Second,
		Schedule:    "@every 5m",
		Logger:      log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Coordinator drains the offline write queue per area and reconciles the
// remote snapshot into the local progress store.
//
// One area syncs at a time per area; different areas sync fully in
// parallel, and a failure in one area never touches another.
type Coordinator struct {
	store  *store.Store
	queue  *queue.Queue
	remote Remote
	config *Config
	logger *log.Logger

	mu    sync.Mutex
	areas map[string]*areaSync

	cron *cron.Cron
	wg   sync.WaitGroup
}

// areaSync tracks one area's state machine.
type areaSync struct {
	state  State
	cancel context.CancelFunc
}

// New creates a coordinator. The remote implementation is the only
// component that performs network I/O.
func New(st *store.Store, q *queue.Queue, remote Remote, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	return &Coordinator{
		store:  st,
		queue:  q,
		remote: remote,
		config: config,
		logger: logger,
		areas:  make(map[string]*areaSync),
	}
}

// Start launches the periodic background trigger. It returns immediately;
// call Stop to halt the trigger and wait for in-flight syncs.
func (c *Coordinator) Start(ctx context.Context) error {
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.config.Schedule, func() {
		c.SyncAll(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule periodic sync: %w", err)
	}
	c.cron.Start()
	c.logger.Printf("Periodic sync scheduled: %s", c.config.Schedule)
	return nil
}

// Stop halts the periodic trigger, cancels in-flight syncs, and waits for
// them to wind down. Cancelled entries stay pending and resume on the next
// trigger.
func (c *Coordinator) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}

	c.mu.Lock()
	for _, as := range c.areas {
		if as.cancel != nil {
			as.cancel()
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// AreaState returns the sync state machine position for an area.
func (c *Coordinator) AreaState(areaID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if as, ok := c.areas[areaID]; ok {
		return as.state
	}
	return StateIdle
}

// NetworkAvailable is the connectivity-restored trigger: every area with
// pending work starts syncing.
func (c *Coordinator) NetworkAvailable(ctx context.Context) {
	c.SyncAll(ctx)
}

// SyncAll starts a sync for every area with pending queue entries. Each
// area runs in its own goroutine so a slow or failing area never blocks
// the others.
func (c *Coordinator) SyncAll(ctx context.Context) {
	areas, err := c.queue.PendingAreas(ctx)
	if err != nil {
		c.logger.Printf("Warning: failed to list pending areas: %v", err)
		return
	}

	for _, areaID := range areas {
		id := areaID
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.SyncArea(ctx, id); err != nil {
				c.logger.Printf("Sync failed for area %s: %v", id, err)
			}
		}()
	}
}

// RequestSync is the user-initiated pull-to-refresh trigger for one area.
// Unlike SyncAll it syncs even when the queue is empty, to pick up remote
// changes.
func (c *Coordinator) RequestSync(ctx context.Context, areaID string) error {
	return c.SyncArea(ctx, areaID)
}

// CancelArea cancels an in-flight sync for an area, typically because the
// user navigated away. Cancellation is cooperative: the coordinator checks
// between batch iterations, never mid-call, so a batch either completes or
// rolls back to pending. No data is lost, only deferred.
func (c *Coordinator) CancelArea(areaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if as, ok := c.areas[areaID]; ok && as.cancel != nil {
		as.cancel()
	}
}

// SyncArea runs one full drain-and-reconcile pass for an area:
//
//	idle -> syncing -> {idle, error}
//
// Already-syncing areas are left alone. On any transient failure the area
// transitions to error, nothing in the aborted batch is marked synced, and
// the whole area is retried on the next trigger after entry backoff.
func (c *Coordinator) SyncArea(ctx context.Context, areaID string) error {
	syncCtx, ok := c.beginSync(ctx, areaID)
	if !ok {
		return nil
	}

	err := c.runSync(syncCtx, areaID)
	c.endSync(areaID, err)
	return err
}

// beginSync transitions idle -> syncing. Returns ok=false when the area is
// already syncing.
func (c *Coordinator) beginSync(ctx context.Context, areaID string) (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	as, exists := c.areas[areaID]
	if !exists {
		as = &areaSync{state: StateIdle}
		c.areas[areaID] = as
	}
	if as.state == StateSyncing {
		return nil, false
	}

	syncCtx, cancel := context.WithCancel(ctx)
	as.state = StateSyncing
	as.cancel = cancel
	return syncCtx, true
}

// endSync records the pass outcome in the state machine. Cancellation is
// not a failure: the area returns to idle with its entries still pending.
func (c *Coordinator) endSync(areaID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	as := c.areas[areaID]
	as.cancel = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		as.state = StateError
		return
	}
	as.state = StateIdle
}

// runSync drains the queue and reconciles. Separated from SyncArea so the
// state transitions stay in one place.
func (c *Coordinator) runSync(ctx context.Context, areaID string) error {
	c.logger.Printf("Syncing area %s", areaID)

	if err := c.drainQueue(ctx, areaID); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.store.SetSyncStatus(areaID, progress.SyncError)
		}
		return err
	}

	if err := c.reconcile(ctx, areaID); err != nil {
		c.store.SetSyncStatus(areaID, progress.SyncError)
		return err
	}

	c.logger.Printf("Sync complete for area %s", areaID)
	return nil
}

// drainQueue pushes pending entries in bounded batches. The cancellation
// flag is checked between batches only; a network error aborts the current
// batch with its remaining entries untouched.
func (c *Coordinator) drainQueue(ctx context.Context, areaID string) error {
	// Bookkeeping must land even when the sync is cancelled mid-batch,
	// otherwise an acknowledged write would be replayed on resume.
	bookCtx := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Printf("Sync cancelled for area %s, entries remain pending", areaID)
			return err
		}

		batch, err := c.queue.PeekBatch(ctx, areaID, c.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to peek batch for area %s: %w", areaID, err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, entry := range batch {
			callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
			werr := c.remote.WriteVerification(callCtx,
				c.config.CompanyID, areaID, itemIDOf(entry.Payload), entry.ID, entry.Payload)
			cancel()

			if werr == nil {
				if err := c.queue.MarkSynced(bookCtx, entry.ID); err != nil {
					return fmt.Errorf("failed to mark entry %s synced: %w", entry.ID, err)
				}
				continue
			}

			if errors.Is(werr, context.Canceled) || ctx.Err() != nil {
				// Cancelled mid-call: the entry stays pending untouched.
				// If the write landed anyway, the mutation id deduplicates
				// it on resume.
				c.logger.Printf("Sync cancelled for area %s, entries remain pending", areaID)
				return fmt.Errorf("sync cancelled for area %s: %w", areaID, context.Canceled)
			}

			if !IsTransient(werr) {
				// Rejected outright: surface to the user, keep draining.
				if err := c.queue.MarkRejected(bookCtx, entry.ID, werr); err != nil {
					return fmt.Errorf("failed to reject entry %s: %w", entry.ID, err)
				}
				continue
			}

			// Transient failure: back off this entry and abort the batch.
			// Entries already acknowledged stay synced; nothing else in
			// the batch is touched.
			if err := c.queue.MarkFailed(bookCtx, entry, werr); err != nil {
				return fmt.Errorf("failed to record failure for entry %s: %w", entry.ID, err)
			}
			return fmt.Errorf("network error syncing area %s: %w", areaID, werr)
		}
	}
}

// reconcile pulls the authoritative snapshot and merges it over any still
// pending local writes.
func (c *Coordinator) reconcile(ctx context.Context, areaID string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	remoteItems, err := c.remote.FetchAreaSnapshot(fetchCtx, c.config.CompanyID, c.config.SiteID, areaID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot for area %s: %w", areaID, err)
	}

	pending, err := c.pendingItemSet(ctx, areaID)
	if err != nil {
		return err
	}

	items := make([]*progress.AreaItemProgress, 0, len(remoteItems))
	for _, ri := range remoteItems {
		items = append(items, toProgressItem(ri))
	}

	if _, err := c.store.Reconcile(ctx, areaID, c.config.SiteID, items, pending); err != nil {
		return fmt.Errorf("failed to reconcile area %s: %w", areaID, err)
	}
	return nil
}

// pendingItemSet collects the item ids with unconfirmed queue entries; the
// store preserves their optimistic values during reconciliation.
func (c *Coordinator) pendingItemSet(ctx context.Context, areaID string) (map[string]bool, error) {
	entries, err := c.queue.Pending(ctx, areaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries for area %s: %w", areaID, err)
	}

	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		p, err := queue.DecodeVerifyPayload(e)
		if err != nil {
			c.logger.Printf("Warning: undecodable payload on entry %s: %v", e.ID, err)
			continue
		}
		if p.AreaItemID != "" {
			set[p.AreaItemID] = true
		}
	}
	return set, nil
}

// itemIDOf extracts the target item id from a payload. Unknown payload
// shapes yield an empty id; the remote write still carries the raw bytes.
func itemIDOf(payload []byte) string {
	var p queue.VerifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.AreaItemID
}
