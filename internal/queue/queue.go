// Package queue implements the durable offline write queue.
//
// Every mutation the user makes while offline (verify an item, attach a
// photo, complete an inspection) is appended here before it is applied
// optimistically to the local cache. The queue is backed by SQLite, so
// entries survive process restarts; a partially synced batch is safe to
// resume because each remote write is idempotent via the entry's
// client-generated mutation id.
//
// Retry policy: failed entries back off exponentially (base 2s, cap 60s)
// and are abandoned to a terminal failed bucket after the retry ceiling,
// where they stay visible to the user instead of retrying forever.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/verisync/internal/db"
)

// Mutation kinds carried by queue entries.
const (
	KindVerifyItem         = "verify_item"
	KindAttachPhoto        = "attach_photo"
	KindCompleteInspection = "complete_inspection"
)

// Default policy values; overridable through Config.
const (
	DefaultMaxRetries   = 5
	DefaultBackoffBase  = 2 * time.Second
	DefaultBackoffCap   = 60 * time.Second
	DefaultPendingLimit = 1000
)

// VerifyPayload is the payload of a verify_item or complete_inspection entry.
type VerifyPayload struct {
	AreaItemID string    `json:"area_item_id"`
	Result     string    `json:"result"` // pass, fail, in_progress
	VerifiedBy string    `json:"verified_by,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
	Notes      string    `json:"notes,omitempty"`
	PhotoRefs  []string  `json:"photo_refs,omitempty"`
}

// Config tunes the queue's retry and overflow policy.
type Config struct {
	// MaxRetries is the retry ceiling before an entry is moved to the
	// terminal failed bucket.
	MaxRetries int

	// BackoffBase and BackoffCap bound the exponential retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// PendingLimit is the safety cap on pending entries. Beyond it the
	// oldest entries are flagged for manual review, never dropped.
	PendingLimit int

	// Logger for queue activity. Nil uses a default stderr logger.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   DefaultMaxRetries,
		BackoffBase:  DefaultBackoffBase,
		BackoffCap:   DefaultBackoffCap,
		PendingLimit: DefaultPendingLimit,
		Logger:       log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable offline write queue, keyed by area.
type Queue struct {
	db     *db.DB
	config *Config
	logger *log.Logger
}

// New creates a queue over an opened database.
// The database must have its schema initialized.
func New(database *db.DB, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		db:     database,
		config: config,
		logger: logger,
	}
}

// Enqueue appends a mutation for an area and returns the stored entry.
// A monotonically increasing sequence number is assigned for ordering.
// If no mutation id is supplied a new one is generated.
func (q *Queue) Enqueue(ctx context.Context, areaID, kind string, payload any) (*db.QueueEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	entry := &db.QueueEntry{
		ID:        uuid.NewString(),
		AreaID:    areaID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
		State:     db.EntryPending,
	}

	seq, err := q.db.InsertQueueEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s for area %s: %w", kind, areaID, err)
	}
	entry.Seq = seq

	q.logger.Printf("Enqueued %s for area %s (mutation %s, seq %d)", kind, areaID, entry.ID, seq)

	if err := q.enforceCap(ctx); err != nil {
		// Overflow handling must not fail the user's action; the entry
		// is already durable.
		q.logger.Printf("Warning: queue overflow handling failed: %v", err)
	}

	return entry, nil
}

// enforceCap flags the oldest pending entries for review when the pending
// count exceeds the safety cap.
func (q *Queue) enforceCap(ctx context.Context) error {
	pending, err := q.db.CountByState(ctx, "", db.EntryPending)
	if err != nil {
		return err
	}
	if pending <= q.config.PendingLimit {
		return nil
	}

	excess := pending - q.config.PendingLimit
	moved, err := q.db.MoveOldestPendingToReview(ctx, excess)
	if err != nil {
		return err
	}
	q.logger.Printf("Queue overflow: flagged %d oldest entries for manual review", moved)
	return nil
}

// PeekBatch returns up to maxSize of the oldest unprocessed entries for one
// area. Entries still inside their retry backoff window are skipped. Batches
// never interleave areas.
func (q *Queue) PeekBatch(ctx context.Context, areaID string, maxSize int) ([]*db.QueueEntry, error) {
	return q.db.PendingBatch(ctx, areaID, maxSize, time.Now().UTC())
}

// MarkSynced records that the remote store acknowledged the mutation.
// The entry leaves the pending set but its row is kept for audit.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	if err := q.db.SetEntryState(ctx, id, db.EntrySynced, ""); err != nil {
		return fmt.Errorf("failed to mark entry %s synced: %w", id, err)
	}
	return nil
}

// MarkFailed records a transient failure. The retry count is incremented
// and the entry rescheduled with exponential backoff; at the retry ceiling
// it moves to the terminal failed bucket and is not retried again.
func (q *Queue) MarkFailed(ctx context.Context, entry *db.QueueEntry, cause error) error {
	retries := entry.RetryCount + 1

	if retries >= q.config.MaxRetries {
		q.logger.Printf("Entry %s exhausted %d retries, moving to failed bucket: %v",
			entry.ID, retries, cause)
		if err := q.db.SetEntryState(ctx, entry.ID, db.EntryFailed, cause.Error()); err != nil {
			return fmt.Errorf("failed to fail entry %s: %w", entry.ID, err)
		}
		entry.RetryCount = retries
		entry.State = db.EntryFailed
		return nil
	}

	delay := q.Backoff(retries)
	next := time.Now().UTC().Add(delay)
	if err := q.db.RecordEntryFailure(ctx, entry.ID, retries, cause.Error(), next); err != nil {
		return fmt.Errorf("failed to record failure for entry %s: %w", entry.ID, err)
	}
	entry.RetryCount = retries
	entry.LastError = cause.Error()
	entry.NextAttemptAt = &next

	q.logger.Printf("Entry %s failed (attempt %d/%d), retrying in %v: %v",
		entry.ID, retries, q.config.MaxRetries, delay, cause)
	return nil
}

// MarkRejected moves an entry straight to the failed bucket without retries,
// used when the remote store rejected the mutation outright.
func (q *Queue) MarkRejected(ctx context.Context, id string, cause error) error {
	q.logger.Printf("Entry %s rejected by remote, not retrying: %v", id, cause)
	if err := q.db.SetEntryState(ctx, id, db.EntryFailed, cause.Error()); err != nil {
		return fmt.Errorf("failed to reject entry %s: %w", id, err)
	}
	return nil
}

// Backoff returns the retry delay for the nth attempt: base doubled per
// attempt, capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	delay := q.config.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.config.BackoffCap {
			return q.config.BackoffCap
		}
	}
	if delay > q.config.BackoffCap {
		return q.config.BackoffCap
	}
	return delay
}

// Failed returns the terminal failed entries for an area, surfaced to the
// user for manual action.
func (q *Queue) Failed(ctx context.Context, areaID string) ([]*db.QueueEntry, error) {
	return q.db.EntriesByState(ctx, areaID, db.EntryFailed)
}

// Review returns entries displaced by the queue safety cap.
func (q *Queue) Review(ctx context.Context, areaID string) ([]*db.QueueEntry, error) {
	return q.db.EntriesByState(ctx, areaID, db.EntryReview)
}

// Pending returns the pending entries for an area, oldest first.
func (q *Queue) Pending(ctx context.Context, areaID string) ([]*db.QueueEntry, error) {
	return q.db.EntriesByState(ctx, areaID, db.EntryPending)
}

// PendingCount returns the number of pending entries for an area.
func (q *Queue) PendingCount(ctx context.Context, areaID string) (int, error) {
	return q.db.CountByState(ctx, areaID, db.EntryPending)
}

// PendingAreas returns areas that have unsynced work, oldest first.
func (q *Queue) PendingAreas(ctx context.Context) ([]string, error) {
	return q.db.PendingAreas(ctx)
}

// HasPendingForItem reports whether an item has unconfirmed local mutations.
func (q *Queue) HasPendingForItem(ctx context.Context, areaID, itemID string) (bool, error) {
	return q.db.HasPendingEntryForItem(ctx, areaID, itemID)
}

// DecodeVerifyPayload parses a verify_item payload from an entry.
func DecodeVerifyPayload(entry *db.QueueEntry) (*VerifyPayload, error) {
	var p VerifyPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload of entry %s: %w", entry.ID, err)
	}
	return &p, nil
}
