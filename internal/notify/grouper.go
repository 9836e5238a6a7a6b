// Package notify turns due and overdue checklist items into grouped,
// deduplicated reminder notifications.
//
// One reminder per item per schedule period: the dedup ledger is stored in
// the database, so a delivered reminder is never repeated after a process
// restart. A new period resets the ledger key, so recurring items remind
// again next day, week, or month.
package notify

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fieldline/verisync/internal/db"
	"github.com/fieldline/verisync/internal/progress"
	"github.com/fieldline/verisync/internal/schedule"
	"github.com/fieldline/verisync/internal/store"
)

// Bucket is the user's preferred delivery window.
type Bucket string

const (
	BucketMorning   Bucket = "morning"
	BucketAfternoon Bucket = "afternoon"
	BucketEvening   Bucket = "evening"
)

// IsValid reports whether b is a known delivery bucket.
func (b Bucket) IsValid() bool {
	switch b {
	case BucketMorning, BucketAfternoon, BucketEvening:
		return true
	default:
		return false
	}
}

// Notification is one reminder ready for delivery.
type Notification struct {
	AreaID       string              `json:"area_id"`
	AreaItemID   string              `json:"area_item_id"`
	ItemName     string              `json:"item_name"`
	ScheduleType schedule.Type       `json:"schedule_type"`
	Status       progress.ItemStatus `json:"status"` // pending or overdue
	DueAt        time.Time           `json:"due_at"`
	Bucket       Bucket              `json:"bucket"`
	DedupKey     string              `json:"dedup_key"`
}

// Config tunes the grouper.
type Config struct {
	// Enabled gates the whole sweep; disabled users get badge counts only.
	Enabled bool

	// Bucket is the user's preferred delivery window.
	Bucket Bucket

	// RetainFor bounds how long delivered dedup keys are kept. Keys older
	// than this are pruned; the longest schedule period plus slack.
	RetainFor time.Duration

	// Logger for sweep activity. Nil uses a default stderr logger.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Bucket:    BucketMorning,
		RetainFor: 45 * 24 * time.Hour,
		Logger:    log.New(os.Stderr, "[notify] ", log.LstdFlags),
	}
}

// Grouper sweeps loaded areas for items needing a reminder.
type Grouper struct {
	db     *db.DB
	store  *store.Store
	config *Config
	logger *log.Logger

	// prefMu guards the reloadable preference fields in config.
	prefMu sync.RWMutex
}

// New creates a grouper over the progress store and its database.
func New(database *db.DB, st *store.Store, config *Config) *Grouper {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Grouper{
		db:     database,
		store:  st,
		config: config,
		logger: logger,
	}
}

// SetPreferences applies reloaded notification preferences. Safe to call
// while sweeps run.
func (g *Grouper) SetPreferences(enabled bool, bucket Bucket) {
	if !bucket.IsValid() {
		g.logger.Printf("Ignoring unknown notification bucket %q", bucket)
		return
	}
	g.prefMu.Lock()
	g.config.Enabled = enabled
	g.config.Bucket = bucket
	g.prefMu.Unlock()
}

func (g *Grouper) preferences() (bool, Bucket) {
	g.prefMu.RLock()
	defer g.prefMu.RUnlock()
	return g.config.Enabled, g.config.Bucket
}

// DedupKey builds the ledger key for one item in one schedule period.
func DedupKey(itemID string, t schedule.Type, periodKey string) string {
	return fmt.Sprintf("%s|%s|%s", itemID, t, periodKey)
}

// Sweep scans every loaded area and returns the reminders not yet delivered
// this period, overdue items first, then by due date. Returned reminders are
// recorded as delivered; a second sweep in the same period returns nothing.
func (g *Grouper) Sweep(ctx context.Context, now time.Time) ([]Notification, error) {
	enabled, bucket := g.preferences()
	if !enabled {
		return nil, nil
	}

	var out []Notification
	for _, areaID := range g.store.LoadedAreas() {
		snap := g.store.Snapshot(areaID)
		if snap == nil {
			continue
		}
		for typ, group := range snap.ScheduleGroups {
			for _, item := range group.Items {
				n, ok, err := g.consider(ctx, areaID, typ, item, bucket, now)
				if err != nil {
					return nil, err
				}
				if ok {
					out = append(out, n)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		oi := out[i].Status == progress.StatusOverdue
		oj := out[j].Status == progress.StatusOverdue
		if oi != oj {
			return oi
		}
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].AreaItemID < out[j].AreaItemID
	})

	if len(out) > 0 {
		g.logger.Printf("Sweep produced %d reminders", len(out))
	}
	return out, nil
}

// consider decides whether one item warrants a reminder and records the
// dedup key when it does.
func (g *Grouper) consider(ctx context.Context, areaID string, typ schedule.Type, item *progress.AreaItemProgress, bucket Bucket, now time.Time) (Notification, bool, error) {
	if item.Status != progress.StatusPending && item.Status != progress.StatusOverdue {
		return Notification{}, false, nil
	}

	// Keyed to the sweep's period, not the item's due date: an item left
	// overdue across a period boundary reminds again in the new period.
	key := DedupKey(item.AreaItemID, typ, schedule.PeriodKey(typ, now))
	seen, err := g.db.WasNotified(ctx, key)
	if err != nil {
		return Notification{}, false, fmt.Errorf("failed to check dedup ledger for %s: %w", key, err)
	}
	if seen {
		return Notification{}, false, nil
	}
	if err := g.db.MarkNotified(ctx, key, now); err != nil {
		return Notification{}, false, fmt.Errorf("failed to record reminder %s: %w", key, err)
	}

	return Notification{
		AreaID:       areaID,
		AreaItemID:   item.AreaItemID,
		ItemName:     item.ItemName,
		ScheduleType: typ,
		Status:       item.Status,
		DueAt:        item.DueAt,
		Bucket:       bucket,
		DedupKey:     key,
	}, true, nil
}

// BadgeCount returns the live count of items needing attention across all
// loaded areas. Unlike Sweep it is not deduplicated; it reflects current
// state every call.
func (g *Grouper) BadgeCount() int {
	count := 0
	for _, areaID := range g.store.LoadedAreas() {
		snap := g.store.Snapshot(areaID)
		if snap == nil {
			continue
		}
		for _, group := range snap.ScheduleGroups {
			for _, item := range group.Items {
				if item.Status == progress.StatusPending || item.Status == progress.StatusOverdue {
					count++
				}
			}
		}
	}
	return count
}

// Prune drops dedup ledger rows older than the retention window.
func (g *Grouper) Prune(ctx context.Context, now time.Time) error {
	return g.db.PruneNotified(ctx, now.Add(-g.config.RetainFor))
}
