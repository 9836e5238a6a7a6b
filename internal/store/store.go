// Package store owns the in-memory per-area verification progress cache
// and its durable persistence.
//
// The store follows a single-writer-per-area discipline: all mutations to
// one area's snapshot are serialized through a per-area mutex, while
// different areas proceed fully in parallel. Durable flushes are
// asynchronous and ordered - a single flusher goroutine drains a queue of
// dirty areas, so flushes for the same area are never concurrent.
//
// The UI layer never touches a snapshot directly; it receives deep copies
// through subscriptions and mutates state only through engine operations.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldline/verisync/internal/db"
	"github.com/fieldline/verisync/internal/progress"
	"github.com/fieldline/verisync/internal/schedule"
)

// Config tunes the store.
type Config struct {
	// WeeklyDueDay is the weekday weekly items are due on.
	WeeklyDueDay time.Weekday

	// IdleEviction is how long an area may go unaccessed before its
	// in-memory snapshot is dropped. The durable row is kept.
	IdleEviction time.Duration

	// Logger for store activity. Nil uses a default stderr logger.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WeeklyDueDay: time.Monday,
		IdleEviction: 30 * time.Minute,
		Logger:       log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Verification is one verification action to apply optimistically.
type Verification struct {
	ItemID     string
	Result     progress.ItemStatus // pass, fail, or in_progress
	VerifiedBy string
	VerifiedAt time.Time
	PhotoRefs  []string
}

// Store is the local progress store: one snapshot per loaded area.
type Store struct {
	db     *db.DB
	config *Config
	logger *log.Logger

	mu    sync.Mutex
	areas map[string]*areaState

	flushCh chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

// areaState is the in-memory state for one loaded area.
// Its mutex is the area's single-writer lock.
type areaState struct {
	mu         sync.Mutex
	snap       *progress.LocalVerificationProgress
	lastAccess time.Time

	// needsRemoteFetch is set when the snapshot is a synthesized skeleton
	// (first load, or a corrupt cache that was discarded).
	needsRemoteFetch bool

	subs    map[int]chan *progress.LocalVerificationProgress
	nextSub int
}

// New creates a store over an opened database and starts the flusher.
// Call Close to stop it.
func New(database *db.DB, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	s := &Store{
		db:      database,
		config:  config,
		logger:  logger,
		areas:   make(map[string]*areaState),
		flushCh: make(chan string, 64),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Close stops the flusher after draining outstanding flushes.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

// Load returns the area's snapshot, loading it from durable storage on
// first access. A snapshot that fails the integrity check is discarded and
// replaced by an empty skeleton; needsRemoteFetch reports whether the
// caller should schedule a remote fetch to (re)populate the area.
func (s *Store) Load(ctx context.Context, areaID, siteID string) (snap *progress.LocalVerificationProgress, needsRemoteFetch bool, err error) {
	as := s.area(areaID)

	as.mu.Lock()
	defer as.mu.Unlock()
	as.lastAccess = time.Now()

	if as.snap == nil {
		if err := s.loadLocked(ctx, as, areaID, siteID); err != nil {
			return nil, false, err
		}
	}

	s.refreshLocked(as)
	return as.snap.Clone(), as.needsRemoteFetch, nil
}

// loadLocked populates as.snap from the database or a skeleton.
// Caller holds as.mu.
func (s *Store) loadLocked(ctx context.Context, as *areaState, areaID, siteID string) error {
	stored, err := s.db.LoadProgressContext(ctx, areaID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		as.snap = progress.NewSkeleton(areaID, siteID)
		as.needsRemoteFetch = true
		return nil

	case err != nil:
		// Unparseable rows are corrupt caches, not fatal errors:
		// discard and rebuild from the next remote fetch.
		s.logger.Printf("Discarding unreadable cache for area %s: %v", areaID, err)
		if derr := s.db.DeleteProgress(ctx, areaID); derr != nil {
			return fmt.Errorf("failed to discard corrupt cache for area %s: %w", areaID, derr)
		}
		as.snap = progress.NewSkeleton(areaID, siteID)
		as.needsRemoteFetch = true
		return nil
	}

	if verr := progress.CheckIntegrity(stored, time.Now()); verr != nil {
		s.logger.Printf("Cache for area %s failed integrity check, rebuilding: %v", areaID, verr)
		if derr := s.db.DeleteProgress(ctx, areaID); derr != nil {
			return fmt.Errorf("failed to discard corrupt cache for area %s: %w", areaID, derr)
		}
		as.snap = progress.NewSkeleton(areaID, siteID)
		as.needsRemoteFetch = true
		return nil
	}

	as.snap = stored
	as.needsRemoteFetch = false
	return nil
}

// ApplyVerification optimistically applies a verification to the matching
// item and recomputes the owning group's aggregates. Idempotent: aggregates
// are recounted from items, so applying the same verification twice (a
// retried queue entry) cannot double-count.
func (s *Store) ApplyVerification(ctx context.Context, areaID string, v Verification) (*progress.LocalVerificationProgress, error) {
	if !v.Result.IsValid() || v.Result == progress.StatusPending || v.Result == progress.StatusOverdue {
		return nil, fmt.Errorf("invalid verification result %q for item %s", v.Result, v.ItemID)
	}

	as := s.area(areaID)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.lastAccess = time.Now()

	if as.snap == nil {
		if err := s.loadLocked(ctx, as, areaID, ""); err != nil {
			return nil, err
		}
	}

	item := as.snap.FindItem(v.ItemID)
	if item == nil {
		return nil, fmt.Errorf("item %s not found in area %s", v.ItemID, areaID)
	}

	at := v.VerifiedAt
	item.VerifiedAt = &at
	item.VerifiedBy = v.VerifiedBy
	item.LastResult = v.Result
	for _, ref := range v.PhotoRefs {
		if !containsRef(item.PhotoRefs, ref) {
			item.PhotoRefs = append(item.PhotoRefs, ref)
		}
	}

	if item.ScheduleType == schedule.Monthly {
		if item.MonthlyDayStatuses == nil {
			item.MonthlyDayStatuses = map[string]progress.ItemStatus{}
		}
		item.MonthlyDayStatuses[schedule.DayKey(at)] = v.Result
	}

	s.refreshLocked(as)
	as.snap.Touch(time.Now())

	s.publishLocked(as)
	s.requestFlush(areaID)

	return as.snap.Clone(), nil
}

// AttachPhotos appends evidence photo references to an item. Duplicate
// references are ignored, so a retried mutation cannot double-attach.
func (s *Store) AttachPhotos(ctx context.Context, areaID, itemID string, refs []string) (*progress.LocalVerificationProgress, error) {
	as := s.area(areaID)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.lastAccess = time.Now()

	if as.snap == nil {
		if err := s.loadLocked(ctx, as, areaID, ""); err != nil {
			return nil, err
		}
	}

	item := as.snap.FindItem(itemID)
	if item == nil {
		return nil, fmt.Errorf("item %s not found in area %s", itemID, areaID)
	}

	for _, ref := range refs {
		if !containsRef(item.PhotoRefs, ref) {
			item.PhotoRefs = append(item.PhotoRefs, ref)
		}
	}

	as.snap.Touch(time.Now())
	s.publishLocked(as)
	s.requestFlush(areaID)

	return as.snap.Clone(), nil
}

// Reconcile merges an authoritative remote snapshot into the area. Items
// with entries still pending in the offline queue keep their local
// optimistic values; everything else takes the remote state, so a user's
// own unsynced action is never overwritten by a stale pull.
func (s *Store) Reconcile(ctx context.Context, areaID, siteID string, remote []*progress.AreaItemProgress, pendingItems map[string]bool) (*progress.LocalVerificationProgress, error) {
	as := s.area(areaID)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.lastAccess = time.Now()

	if as.snap == nil {
		if err := s.loadLocked(ctx, as, areaID, siteID); err != nil {
			return nil, err
		}
	}

	merged := progress.NewSkeleton(areaID, siteID)
	if siteID == "" {
		merged.SiteID = as.snap.SiteID
	}

	for _, ri := range remote {
		item := ri
		if pendingItems[ri.AreaItemID] {
			if local := as.snap.FindItem(ri.AreaItemID); local != nil {
				// Keep the unconfirmed optimistic write.
				item = local
			}
		}
		g := merged.Group(item.ScheduleType)
		g.Items = append(g.Items, item)
	}

	// Local items the remote doesn't know about yet (created offline)
	// survive the merge as long as their mutations are still pending.
	for _, g := range as.snap.ScheduleGroups {
		for _, local := range g.Items {
			if merged.FindItem(local.AreaItemID) == nil && pendingItems[local.AreaItemID] {
				mg := merged.Group(local.ScheduleType)
				mg.Items = append(mg.Items, local)
			}
		}
	}

	as.snap = merged
	as.needsRemoteFetch = false
	s.refreshLocked(as)

	as.snap.LastModified = time.Now()
	if len(pendingItems) > 0 {
		as.snap.SyncStatus = progress.SyncPending
	} else {
		as.snap.SyncStatus = progress.SyncSynced
	}

	s.publishLocked(as)
	s.requestFlush(areaID)

	return as.snap.Clone(), nil
}

// SetSyncStatus records the outcome of a sync attempt for the area.
func (s *Store) SetSyncStatus(areaID string, status progress.SyncStatus) {
	as := s.area(areaID)
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.snap == nil {
		return
	}
	if as.snap.SyncStatus == status {
		return
	}
	as.snap.SyncStatus = status
	s.publishLocked(as)
	s.requestFlush(areaID)
}

// SyncStatus returns the area's current sync status. Areas not held in
// memory report their persisted status, so an evicted area with undelivered
// mutations still shows as pending; areas never cached report synced.
func (s *Store) SyncStatus(areaID string) progress.SyncStatus {
	s.mu.Lock()
	as, ok := s.areas[areaID]
	s.mu.Unlock()

	if ok {
		as.mu.Lock()
		snap := as.snap
		var status progress.SyncStatus
		if snap != nil {
			status = snap.SyncStatus
		}
		as.mu.Unlock()
		if snap != nil {
			return status
		}
	}

	status, err := s.db.GetSyncStatus(context.Background(), areaID)
	if err != nil {
		return progress.SyncSynced
	}
	return status
}

// Subscribe returns a channel receiving a deep copy of the area's snapshot
// after every mutation and reconciliation. Slow subscribers miss
// intermediate updates rather than block the writer. The returned cancel
// function must be called to release the subscription.
func (s *Store) Subscribe(areaID string) (<-chan *progress.LocalVerificationProgress, func()) {
	as := s.area(areaID)
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.subs == nil {
		as.subs = make(map[int]chan *progress.LocalVerificationProgress)
	}
	id := as.nextSub
	as.nextSub++

	ch := make(chan *progress.LocalVerificationProgress, 8)
	as.subs[id] = ch

	cancel := func() {
		as.mu.Lock()
		defer as.mu.Unlock()
		if _, ok := as.subs[id]; ok {
			delete(as.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// LoadedAreas returns the ids of areas currently held in memory.
func (s *Store) LoadedAreas() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.areas))
	for id := range s.areas {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a deep copy of a loaded area's snapshot, or nil if the
// area is not in memory.
func (s *Store) Snapshot(areaID string) *progress.LocalVerificationProgress {
	s.mu.Lock()
	as, ok := s.areas[areaID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.snap == nil {
		return nil
	}
	s.refreshLocked(as)
	return as.snap.Clone()
}

// EvictIdle drops in-memory snapshots not accessed within the idle window.
// Eviction only frees memory; the durable rows are untouched and the area
// reloads on next access. Areas with live subscribers are kept.
func (s *Store) EvictIdle() int {
	cutoff := time.Now().Add(-s.config.IdleEviction)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, as := range s.areas {
		as.mu.Lock()
		idle := as.lastAccess.Before(cutoff) && len(as.subs) == 0
		as.mu.Unlock()

		if idle {
			delete(s.areas, id)
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Printf("Evicted %d idle area snapshot(s)", evicted)
	}
	return evicted
}

// area returns the state holder for areaID, creating it if needed.
func (s *Store) area(areaID string) *areaState {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.areas[areaID]
	if !ok {
		as = &areaState{lastAccess: time.Now()}
		s.areas[areaID] = as
	}
	return as
}

// refreshLocked recomputes every item's status and all aggregates at the
// current time. Caller holds as.mu.
func (s *Store) refreshLocked(as *areaState) {
	now := time.Now()
	for _, g := range as.snap.ScheduleGroups {
		for _, item := range g.Items {
			progress.Refresh(item, now, s.config.WeeklyDueDay)
		}
	}
	as.snap.RecountAll()
}

// publishLocked pushes a clone to all subscribers. Caller holds as.mu.
func (s *Store) publishLocked(as *areaState) {
	if len(as.subs) == 0 {
		return
	}
	snap := as.snap.Clone()
	for _, ch := range as.subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber: skip this update.
		}
	}
}

// requestFlush queues an ordered, fire-and-forget durable flush.
func (s *Store) requestFlush(areaID string) {
	select {
	case s.flushCh <- areaID:
	case <-s.done:
	default:
		// Flush queue full: the area will be persisted by a later flush
		// or the final drain in Close.
		s.logger.Printf("Warning: flush queue full, deferring flush for area %s", areaID)
	}
}

// flushLoop drains flush requests one at a time, keeping per-area flushes
// strictly ordered.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	for {
		select {
		case areaID := <-s.flushCh:
			s.flushArea(areaID)

		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case areaID := <-s.flushCh:
					s.flushArea(areaID)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) flushArea(areaID string) {
	s.mu.Lock()
	as, ok := s.areas[areaID]
	s.mu.Unlock()
	if !ok {
		return
	}

	as.mu.Lock()
	var snap *progress.LocalVerificationProgress
	if as.snap != nil {
		snap = as.snap.Clone()
	}
	as.mu.Unlock()
	if snap == nil {
		return
	}

	if err := s.db.SaveProgress(snap); err != nil {
		s.logger.Printf("Warning: failed to flush area %s: %v", areaID, err)
	}
}

// Flush synchronously persists an area's snapshot. The async flusher covers
// normal operation; this is for shutdown and for callers that must observe
// the durable state immediately.
func (s *Store) Flush(ctx context.Context, areaID string) error {
	s.mu.Lock()
	as, ok := s.areas[areaID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	as.mu.Lock()
	var snap *progress.LocalVerificationProgress
	if as.snap != nil {
		snap = as.snap.Clone()
	}
	as.mu.Unlock()
	if snap == nil {
		return nil
	}

	if err := s.db.SaveProgressContext(ctx, snap); err != nil {
		return fmt.Errorf("failed to flush area %s: %w", areaID, err)
	}
	return nil
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
