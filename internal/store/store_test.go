package store

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldline/verisync/internal/db"
	"github.com/fieldline/verisync/internal/progress"
	"github.com/fieldline/verisync/internal/schedule"
)

func setupTestStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logger = log.New(os.Stderr, "[test] ", 0)
	s := New(database, cfg)
	t.Cleanup(s.Close)

	return s, database
}

func remoteItems(ids ...string) []*progress.AreaItemProgress {
	var items []*progress.AreaItemProgress
	for _, id := range ids {
		items = append(items, &progress.AreaItemProgress{
			AreaItemID:   id,
			ItemName:     "check " + id,
			ScheduleType: schedule.Daily,
			Status:       progress.StatusPending,
		})
	}
	return items
}

func TestLoadUnknownAreaReturnsSkeleton(t *testing.T) {
	s, _ := setupTestStore(t)

	snap, needsFetch, err := s.Load(context.Background(), "area-1", "site-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !needsFetch {
		t.Error("first load must request a remote fetch")
	}
	if snap.AreaID != "area-1" || snap.SiteID != "site-1" {
		t.Errorf("skeleton ids = %s/%s", snap.AreaID, snap.SiteID)
	}
	for _, typ := range []schedule.Type{schedule.Daily, schedule.Weekly, schedule.Monthly} {
		if g := snap.Group(typ); g.TotalCount != 0 {
			t.Errorf("skeleton group %s not empty", typ)
		}
	}
}

func TestApplyVerificationIdempotent(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1", "itm-2"), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	v := Verification{
		ItemID:     "itm-1",
		Result:     progress.StatusPass,
		VerifiedBy: "user-1",
		VerifiedAt: time.Now().UTC(),
	}

	first, err := s.ApplyVerification(ctx, "area-1", v)
	if err != nil {
		t.Fatalf("ApplyVerification failed: %v", err)
	}

	// Apply the exact same verification again, as a retried queue entry
	// would. Aggregates must not change.
	second, err := s.ApplyVerification(ctx, "area-1", v)
	if err != nil {
		t.Fatalf("second ApplyVerification failed: %v", err)
	}

	g1 := first.Group(schedule.Daily)
	g2 := second.Group(schedule.Daily)
	if g1.CompletedCount != 1 || g2.CompletedCount != 1 {
		t.Errorf("completed = %d then %d, want 1 both times", g1.CompletedCount, g2.CompletedCount)
	}
	if g2.TotalCount != 2 || g2.CompletionPercentage != 50 {
		t.Errorf("total %d completion %v", g2.TotalCount, g2.CompletionPercentage)
	}
	if second.SyncStatus != progress.SyncPending {
		t.Errorf("sync status = %q, want pending after mutation", second.SyncStatus)
	}
}

func TestCountInvariantAfterOperations(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1", "itm-2", "itm-3"), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	ops := []Verification{
		{ItemID: "itm-1", Result: progress.StatusPass, VerifiedAt: time.Now().UTC()},
		{ItemID: "itm-2", Result: progress.StatusFail, VerifiedAt: time.Now().UTC()},
		{ItemID: "itm-1", Result: progress.StatusPass, VerifiedAt: time.Now().UTC()},
		{ItemID: "itm-2", Result: progress.StatusPass, VerifiedAt: time.Now().UTC()},
	}

	var snap *progress.LocalVerificationProgress
	for _, v := range ops {
		snap, err = s.ApplyVerification(ctx, "area-1", v)
		if err != nil {
			t.Fatalf("ApplyVerification(%s) failed: %v", v.ItemID, err)
		}
		g := snap.Group(schedule.Daily)
		if g.CompletedCount+g.FailedCount+g.PendingCount() != g.TotalCount {
			t.Fatalf("count invariant violated after %s: %+v", v.ItemID, g)
		}
	}

	g := snap.Group(schedule.Daily)
	if g.CompletedCount != 2 || g.FailedCount != 0 {
		t.Errorf("final counts completed=%d failed=%d", g.CompletedCount, g.FailedCount)
	}
}

func TestReconcilePreservesPendingLocalWrites(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1", "itm-2"), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	verifiedAt := time.Now().UTC()
	_, err = s.ApplyVerification(ctx, "area-1", Verification{
		ItemID:     "itm-1",
		Result:     progress.StatusPass,
		VerifiedBy: "user-1",
		VerifiedAt: verifiedAt,
	})
	if err != nil {
		t.Fatalf("ApplyVerification failed: %v", err)
	}

	// A stale remote pull arrives while itm-1's mutation is still queued.
	stale := remoteItems("itm-1", "itm-2")
	snap, err := s.Reconcile(ctx, "area-1", "site-1", stale, map[string]bool{"itm-1": true})
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	item := snap.FindItem("itm-1")
	if item == nil {
		t.Fatal("itm-1 missing after reconcile")
	}
	if item.VerifiedAt == nil || !item.VerifiedAt.Equal(verifiedAt) {
		t.Error("pending optimistic write overwritten by stale remote pull")
	}
	if item.Status != progress.StatusPass {
		t.Errorf("status = %q, want pass", item.Status)
	}
	if snap.SyncStatus != progress.SyncPending {
		t.Errorf("sync status = %q, want pending while entries unconfirmed", snap.SyncStatus)
	}

	// Once nothing is pending, remote wins and the area is synced.
	snap, err = s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1", "itm-2"), nil)
	if err != nil {
		t.Fatalf("third Reconcile failed: %v", err)
	}
	if snap.SyncStatus != progress.SyncSynced {
		t.Errorf("sync status = %q, want synced", snap.SyncStatus)
	}
	if item := snap.FindItem("itm-1"); item.VerifiedAt != nil {
		t.Error("remote-authoritative reconcile must take the remote value")
	}
}

func TestLoadDiscardsCorruptCache(t *testing.T) {
	s, database := setupTestStore(t)
	ctx := context.Background()

	// Persist a snapshot whose aggregates don't match its items.
	bad := progress.NewSkeleton("area-1", "site-1")
	bad.Group(schedule.Daily).Items = append(bad.Group(schedule.Daily).Items,
		&progress.AreaItemProgress{AreaItemID: "itm-1", ScheduleType: schedule.Daily, Status: progress.StatusPending})
	bad.Group(schedule.Daily).TotalCount = 7 // never recounted
	bad.LastModified = time.Now().UTC()
	if err := database.SaveProgress(bad); err != nil {
		t.Fatalf("SaveProgress failed: %v", err)
	}

	snap, needsFetch, err := s.Load(ctx, "area-1", "site-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !needsFetch {
		t.Error("corrupt cache must trigger a rebuild from remote")
	}
	if snap.Group(schedule.Daily).TotalCount != 0 {
		t.Error("corrupt cache served instead of skeleton")
	}

	// The bad row is gone from durable storage too.
	if _, err := database.LoadProgress("area-1"); err == nil {
		t.Error("corrupt durable row was not discarded")
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe("area-1")
	defer cancel()

	_, err := s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1"), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.Group(schedule.Daily).TotalCount != 1 {
			t.Errorf("subscriber got total %d, want 1", snap.Group(schedule.Daily).TotalCount)
		}
		// Mutating the received clone must not affect the store.
		snap.Group(schedule.Daily).TotalCount = 99
		if s.Snapshot("area-1").Group(schedule.Daily).TotalCount != 1 {
			t.Error("subscriber clone shares state with the store")
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestEvictIdleKeepsDurableRow(t *testing.T) {
	s, database := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1"), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if err := s.Flush(ctx, "area-1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Force the area to look idle.
	s.config.IdleEviction = 0
	time.Sleep(10 * time.Millisecond)

	if evicted := s.EvictIdle(); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if s.Snapshot("area-1") != nil {
		t.Error("snapshot still in memory after eviction")
	}

	// Durable row survives; reload does not need a remote fetch.
	if _, err := database.LoadProgress("area-1"); err != nil {
		t.Errorf("durable row lost on eviction: %v", err)
	}
	snap, needsFetch, err := s.Load(ctx, "area-1", "site-1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if needsFetch {
		t.Error("evicted area must reload from durable storage")
	}
	if snap.Group(schedule.Daily).TotalCount != 1 {
		t.Error("reloaded snapshot lost items")
	}
}

func TestSyncStatusSurvivesEviction(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1"), nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	_, err := s.ApplyVerification(ctx, "area-1", Verification{
		ItemID:     "itm-1",
		Result:     progress.StatusPass,
		VerifiedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyVerification failed: %v", err)
	}
	if err := s.Flush(ctx, "area-1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	s.config.IdleEviction = 0
	time.Sleep(10 * time.Millisecond)
	if evicted := s.EvictIdle(); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	// The mutation is still undelivered, so the evicted area must not
	// report synced.
	if ss := s.SyncStatus("area-1"); ss != progress.SyncPending {
		t.Errorf("sync status after eviction = %q, want pending", ss)
	}

	// Areas this store never cached have nothing to deliver.
	if ss := s.SyncStatus("area-404"); ss != progress.SyncSynced {
		t.Errorf("sync status of unknown area = %q, want synced", ss)
	}
}

func TestSubscriberBlocksEviction(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Reconcile(ctx, "area-1", "site-1", remoteItems("itm-1"), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	_, cancel := s.Subscribe("area-1")
	defer cancel()

	s.config.IdleEviction = 0
	time.Sleep(10 * time.Millisecond)

	if evicted := s.EvictIdle(); evicted != 0 {
		t.Errorf("evicted %d area(s) with live subscribers", evicted)
	}
}

func TestMonthlyVerificationSetsDaySlot(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	items := []*progress.AreaItemProgress{{
		AreaItemID:   "itm-m",
		ItemName:     "deep clean",
		ScheduleType: schedule.Monthly,
		Status:       progress.StatusPending,
	}}
	if _, err := s.Reconcile(ctx, "area-1", "site-1", items, nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	now := time.Now().UTC()
	snap, err := s.ApplyVerification(ctx, "area-1", Verification{
		ItemID:     "itm-m",
		Result:     progress.StatusPass,
		VerifiedAt: now,
	})
	if err != nil {
		t.Fatalf("ApplyVerification failed: %v", err)
	}

	item := snap.FindItem("itm-m")
	if got := item.MonthlyDayStatuses[schedule.DayKey(now)]; got != progress.StatusPass {
		t.Errorf("day slot = %q, want pass", got)
	}
}
