package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldline/verisync/internal/db"
	"github.com/fieldline/verisync/internal/progress"
	"github.com/fieldline/verisync/internal/queue"
	"github.com/fieldline/verisync/internal/schedule"
	"github.com/fieldline/verisync/internal/store"
)

type remoteWrite struct {
	MutationID string
	ItemID     string
	Payload    []byte
}

// fakeRemote is an in-memory document store. Writes are recorded in order;
// failAfter and rejectItems script failure modes.
type fakeRemote struct {
	mu       sync.Mutex
	writes   []remoteWrite
	seen     map[string]bool
	snapshot []RemoteItem
	fetches  int

	// failAfter >= 0 makes every write past the first failAfter successes
	// fail with a network error.
	failAfter int

	// rejectItems maps item ids to a permanent rejection.
	rejectItems map[string]bool

	// onWrite runs after each successful write, outside the lock.
	onWrite func(itemID string)

	// holdWrites makes every write signal writeStarted and then block
	// until its call context is cancelled, returning the context error.
	holdWrites   bool
	writeStarted chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		seen:        make(map[string]bool),
		failAfter:   -1,
		rejectItems: make(map[string]bool),
	}
}

func (f *fakeRemote) FetchAreaSnapshot(ctx context.Context, companyID, siteID, areaID string) ([]RemoteItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	out := make([]RemoteItem, len(f.snapshot))
	copy(out, f.snapshot)
	return out, nil
}

func (f *fakeRemote) WriteVerification(ctx context.Context, companyID, areaID, itemID, mutationID string, payload []byte) error {
	f.mu.Lock()
	if f.holdWrites {
		started := f.writeStarted
		f.mu.Unlock()
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return fmt.Errorf("request failed: %w", ctx.Err())
	}
	if f.rejectItems[itemID] {
		f.mu.Unlock()
		return fmt.Errorf("validation failed for %s: %w", itemID, ErrRemoteRejected)
	}
	if f.failAfter >= 0 && len(f.writes) >= f.failAfter {
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	if !f.seen[mutationID] {
		f.seen[mutationID] = true
		f.writes = append(f.writes, remoteWrite{MutationID: mutationID, ItemID: itemID, Payload: payload})
	}
	cb := f.onWrite
	f.mu.Unlock()

	if cb != nil {
		cb(itemID)
	}
	return nil
}

func (f *fakeRemote) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeRemote) writtenItems() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, w := range f.writes {
		ids = append(ids, w.ItemID)
	}
	return ids
}

func verifiedRemoteItem(id string, at time.Time, by string) RemoteItem {
	return RemoteItem{
		AreaItemID:   id,
		ItemName:     "check " + id,
		ScheduleType: schedule.Daily,
		VerifiedAt:   &at,
		VerifiedBy:   by,
		LastResult:   progress.StatusPass,
	}
}

type testStack struct {
	db    *db.DB
	store *store.Store
	queue *queue.Queue
	coord *Coordinator
}

// openStack builds a full stack over the given database path so restart
// tests can reopen the same file.
func openStack(t *testing.T, dbPath string, remote Remote) *testStack {
	t.Helper()

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	quiet := log.New(os.Stderr, "[test] ", 0)

	scfg := store.DefaultConfig()
	scfg.Logger = quiet
	st := store.New(database, scfg)

	qcfg := queue.DefaultConfig()
	qcfg.BackoffBase = time.Millisecond
	qcfg.Logger = quiet
	q := queue.New(database, qcfg)

	ccfg := DefaultConfig()
	ccfg.CompanyID = "co-1"
	ccfg.SiteID = "site-1"
	ccfg.Logger = quiet
	c := New(st, q, remote, ccfg)

	return &testStack{db: database, store: st, queue: q, coord: c}
}

func (ts *testStack) close() {
	ts.store.Close()
	ts.db.Close()
}

func setupStack(t *testing.T, remote Remote) *testStack {
	t.Helper()
	ts := openStack(t, filepath.Join(t.TempDir(), "sync.db"), remote)
	t.Cleanup(ts.close)
	return ts
}

func enqueueVerify(t *testing.T, q *queue.Queue, areaID, itemID string, at time.Time, by string) *db.QueueEntry {
	t.Helper()
	entry, err := q.Enqueue(context.Background(), areaID, queue.KindVerifyItem, queue.VerifyPayload{
		AreaItemID: itemID,
		Result:     string(progress.StatusPass),
		VerifiedBy: by,
		VerifiedAt: at,
	})
	if err != nil {
		t.Fatalf("failed to enqueue verification of %s: %v", itemID, err)
	}
	return entry
}

func TestSyncAreaDrainsAndReconciles(t *testing.T) {
	remote := newFakeRemote()
	ts := setupStack(t, remote)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"itm-1", "itm-2", "itm-3"} {
		enqueueVerify(t, ts.queue, "area-1", id, now, "alice")
		remote.snapshot = append(remote.snapshot, verifiedRemoteItem(id, now, "alice"))
	}

	if err := ts.coord.SyncArea(ctx, "area-1"); err != nil {
		t.Fatalf("SyncArea failed: %v", err)
	}

	if n := remote.writeCount(); n != 3 {
		t.Errorf("remote received %d writes, want 3", n)
	}
	pending, err := ts.queue.Pending(ctx, "area-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d entries still pending after sync", len(pending))
	}
	if st := ts.coord.AreaState("area-1"); st != StateIdle {
		t.Errorf("area state = %s, want idle", st)
	}
	if ss := ts.store.SyncStatus("area-1"); ss != progress.SyncSynced {
		t.Errorf("sync status = %s, want synced", ss)
	}

	snap := ts.store.Snapshot("area-1")
	if snap == nil {
		t.Fatal("no snapshot after reconcile")
	}
	daily := snap.Group(schedule.Daily)
	if daily.TotalCount != 3 || daily.CompletedCount != 3 {
		t.Errorf("daily counts = %d/%d, want 3/3", daily.CompletedCount, daily.TotalCount)
	}
}

func TestMidBatchNetworkFailureAbortsBatch(t *testing.T) {
	remote := newFakeRemote()
	remote.failAfter = 1
	ts := setupStack(t, remote)
	ctx := context.Background()

	if _, _, err := ts.store.Load(ctx, "area-1", "site-1"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	now := time.Now().UTC()
	for _, id := range []string{"itm-1", "itm-2", "itm-3"} {
		enqueueVerify(t, ts.queue, "area-1", id, now, "alice")
	}

	err := ts.coord.SyncArea(ctx, "area-1")
	if err == nil {
		t.Fatal("SyncArea succeeded despite network failure")
	}

	// The first write landed; everything after the failure stays pending.
	if got := remote.writtenItems(); len(got) != 1 || got[0] != "itm-1" {
		t.Errorf("remote writes = %v, want [itm-1]", got)
	}
	pending, err := ts.queue.Pending(ctx, "area-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("%d entries pending, want 2", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("failed entry retry count = %d, want 1", pending[0].RetryCount)
	}
	if pending[1].RetryCount != 0 {
		t.Errorf("untouched entry retry count = %d, want 0", pending[1].RetryCount)
	}

	if st := ts.coord.AreaState("area-1"); st != StateError {
		t.Errorf("area state = %s, want error", st)
	}
	if ss := ts.store.SyncStatus("area-1"); ss != progress.SyncError {
		t.Errorf("sync status = %s, want error", ss)
	}
	if remote.fetches != 0 {
		t.Errorf("snapshot fetched %d times after aborted drain, want 0", remote.fetches)
	}
}

func TestRejectedEntrySkipsRetriesAndSyncContinues(t *testing.T) {
	remote := newFakeRemote()
	remote.rejectItems["itm-2"] = true
	ts := setupStack(t, remote)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"itm-1", "itm-2", "itm-3"} {
		enqueueVerify(t, ts.queue, "area-1", id, now, "alice")
		remote.snapshot = append(remote.snapshot, verifiedRemoteItem(id, now, "alice"))
	}

	if err := ts.coord.SyncArea(ctx, "area-1"); err != nil {
		t.Fatalf("SyncArea failed: %v", err)
	}

	if got := remote.writtenItems(); len(got) != 2 || got[0] != "itm-1" || got[1] != "itm-3" {
		t.Errorf("remote writes = %v, want [itm-1 itm-3]", got)
	}
	failed, err := ts.queue.Failed(ctx, "area-1")
	if err != nil {
		t.Fatalf("Failed lookup failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("%d entries in failed bucket, want 1", len(failed))
	}
	if failed[0].RetryCount != 0 {
		t.Errorf("rejected entry was retried %d times", failed[0].RetryCount)
	}
	if st := ts.coord.AreaState("area-1"); st != StateIdle {
		t.Errorf("area state = %s, want idle", st)
	}
}

func TestCancelBetweenBatchesDefersEntries(t *testing.T) {
	remote := newFakeRemote()
	ts := setupStack(t, remote)
	ts.coord.config.BatchSize = 1
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"itm-1", "itm-2", "itm-3"} {
		enqueueVerify(t, ts.queue, "area-1", id, now, "alice")
	}

	remote.onWrite = func(string) { ts.coord.CancelArea("area-1") }

	err := ts.coord.SyncArea(ctx, "area-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SyncArea error = %v, want context.Canceled", err)
	}

	// The in-flight batch completed; the rest is deferred, not lost and
	// not penalized with retries.
	if n := remote.writeCount(); n != 1 {
		t.Errorf("remote received %d writes, want 1", n)
	}
	pending, err := ts.queue.Pending(ctx, "area-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("%d entries pending, want 2", len(pending))
	}
	for _, e := range pending {
		if e.RetryCount != 0 {
			t.Errorf("deferred entry %s has retry count %d", e.ID, e.RetryCount)
		}
	}
	if st := ts.coord.AreaState("area-1"); st != StateIdle {
		t.Errorf("area state after cancel = %s, want idle", st)
	}

	// The next trigger picks up where the cancelled pass stopped.
	remote.onWrite = nil
	if err := ts.coord.SyncArea(ctx, "area-1"); err != nil {
		t.Fatalf("resumed SyncArea failed: %v", err)
	}
	if n := remote.writeCount(); n != 3 {
		t.Errorf("remote received %d writes after resume, want 3", n)
	}
}

func TestCancelDuringWriteKeepsEntryPending(t *testing.T) {
	remote := newFakeRemote()
	remote.holdWrites = true
	remote.writeStarted = make(chan struct{})
	ts := setupStack(t, remote)
	ctx := context.Background()

	entry := enqueueVerify(t, ts.queue, "area-1", "itm-1", time.Now().UTC(), "alice")

	done := make(chan error, 1)
	go func() { done <- ts.coord.SyncArea(ctx, "area-1") }()

	// Cancel while the write is in flight, not between batches.
	<-remote.writeStarted
	ts.coord.CancelArea("area-1")

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SyncArea error = %v, want context.Canceled", err)
	}

	// The interrupted entry is deferred: still pending, not retried, and
	// above all not in the failed bucket.
	pending, err := ts.queue.Pending(ctx, "area-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != entry.ID {
		t.Fatalf("pending entries = %v, want the interrupted entry", pending)
	}
	if pending[0].RetryCount != 0 {
		t.Errorf("interrupted entry retry count = %d, want 0", pending[0].RetryCount)
	}
	failed, err := ts.queue.Failed(ctx, "area-1")
	if err != nil {
		t.Fatalf("Failed lookup failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("%d entries in failed bucket after cancel, want 0", len(failed))
	}
	if st := ts.coord.AreaState("area-1"); st != StateIdle {
		t.Errorf("area state after cancel = %s, want idle", st)
	}

	// The next trigger delivers the deferred entry.
	remote.mu.Lock()
	remote.holdWrites = false
	remote.mu.Unlock()
	if err := ts.coord.SyncArea(ctx, "area-1"); err != nil {
		t.Fatalf("resumed SyncArea failed: %v", err)
	}
	if n := remote.writeCount(); n != 1 {
		t.Errorf("remote received %d writes after resume, want 1", n)
	}
}

func TestRestartResumesWithoutLossOrDoubleCount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sync.db")
	ctx := context.Background()
	now := time.Now().UTC()

	first := newFakeRemote()
	first.failAfter = 2
	ts := openStack(t, dbPath, first)
	for _, id := range []string{"itm-1", "itm-2", "itm-3"} {
		enqueueVerify(t, ts.queue, "area-1", id, now, "alice")
	}
	if err := ts.coord.SyncArea(ctx, "area-1"); err == nil {
		t.Fatal("first sync succeeded despite scripted failure")
	}
	if n := first.writeCount(); n != 2 {
		t.Fatalf("first session wrote %d entries, want 2", n)
	}
	ts.close()

	// Simulated restart: same database file, fresh process state.
	second := newFakeRemote()
	for _, id := range []string{"itm-1", "itm-2", "itm-3"} {
		second.snapshot = append(second.snapshot, verifiedRemoteItem(id, now, "alice"))
	}
	ts2 := openStack(t, dbPath, second)
	defer ts2.close()

	time.Sleep(10 * time.Millisecond) // clear the retry backoff window
	if err := ts2.coord.SyncArea(ctx, "area-1"); err != nil {
		t.Fatalf("resumed sync failed: %v", err)
	}

	// Only the entry the first session never delivered is re-sent; the
	// acknowledged ones are not replayed.
	if got := second.writtenItems(); len(got) != 1 || got[0] != "itm-3" {
		t.Errorf("second session writes = %v, want [itm-3]", got)
	}
	pending, err := ts2.queue.Pending(ctx, "area-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d entries pending after resumed sync", len(pending))
	}

	snap := ts2.store.Snapshot("area-1")
	if snap == nil {
		t.Fatal("no snapshot after resumed sync")
	}
	daily := snap.Group(schedule.Daily)
	if daily.TotalCount != 3 || daily.CompletedCount != 3 {
		t.Errorf("daily counts = %d/%d, want 3/3", daily.CompletedCount, daily.TotalCount)
	}
}

func TestTwoDevicesUseDistinctMutationIDs(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	base := time.Now().UTC()
	// Bob verified last; the remote reflects his write as authoritative.
	bobAt := base.Add(5 * time.Minute)
	remote.snapshot = []RemoteItem{verifiedRemoteItem("itm-1", bobAt, "bob")}

	deviceA := openStack(t, filepath.Join(t.TempDir(), "a.db"), remote)
	defer deviceA.close()
	deviceB := openStack(t, filepath.Join(t.TempDir(), "b.db"), remote)
	defer deviceB.close()

	ea := enqueueVerify(t, deviceA.queue, "area-1", "itm-1", base, "alice")
	eb := enqueueVerify(t, deviceB.queue, "area-1", "itm-1", bobAt, "bob")
	if ea.ID == eb.ID {
		t.Fatalf("both devices generated mutation id %s", ea.ID)
	}

	if err := deviceA.coord.SyncArea(ctx, "area-1"); err != nil {
		t.Fatalf("device A sync failed: %v", err)
	}
	if err := deviceB.coord.SyncArea(ctx, "area-1"); err != nil {
		t.Fatalf("device B sync failed: %v", err)
	}

	// Both writes landed as separate mutations, no dedup collision.
	if n := remote.writeCount(); n != 2 {
		t.Errorf("remote received %d writes, want 2", n)
	}

	// Both devices converge on the remote's authoritative record.
	for name, ts := range map[string]*testStack{"A": deviceA, "B": deviceB} {
		snap := ts.store.Snapshot("area-1")
		if snap == nil {
			t.Fatalf("device %s has no snapshot", name)
		}
		item := snap.FindItem("itm-1")
		if item == nil {
			t.Fatalf("device %s missing itm-1", name)
		}
		if item.VerifiedBy != "bob" {
			t.Errorf("device %s shows verifier %q, want bob", name, item.VerifiedBy)
		}
	}
}
