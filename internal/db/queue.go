package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntryState is the lifecycle state of a queue entry.
type EntryState string

const (
	// EntryPending means the entry is awaiting transmission.
	EntryPending EntryState = "pending"
	// EntrySynced means the remote store acknowledged the mutation.
	EntrySynced EntryState = "synced"
	// EntryFailed means the entry exhausted its retries or was rejected
	// and will not be retried. It stays visible to the user.
	EntryFailed EntryState = "failed"
	// EntryReview means the entry was displaced by the queue safety cap
	// and is flagged for manual review rather than silently dropped.
	EntryReview EntryState = "review"
)

// QueueEntry is one pending mutation in the offline write queue.
type QueueEntry struct {
	// Seq is the monotonically increasing sequence number assigned on
	// insert; entries are processed in Seq order within an area.
	Seq int64 `json:"seq"`

	// ID is the client-generated mutation id. Remote writes are
	// idempotent keyed by this id, so a resumed batch cannot double-apply.
	ID string `json:"id"`

	AreaID  string          `json:"area_id"`
	Kind    string          `json:"kind"` // verify_item, attach_photo, complete_inspection
	Payload json.RawMessage `json:"payload"`

	CreatedAt  time.Time  `json:"created_at"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	State      EntryState `json:"state"`

	// NextAttemptAt gates retries; nil means eligible immediately.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// InsertQueueEntry appends an entry and returns its assigned sequence number.
func (db *DB) InsertQueueEntry(ctx context.Context, e *QueueEntry) (int64, error) {
	if e.ID == "" {
		return 0, fmt.Errorf("queue entry requires a mutation id")
	}
	if e.AreaID == "" {
		return 0, fmt.Errorf("queue entry requires an area id")
	}

	query := `
	INSERT INTO queue_entries (id, area_id, kind, payload, created_at, retry_count, last_error, state, next_attempt_at)
	VALUES (?, ?, ?, ?, ?, 0, NULL, 'pending', NULL)
	`

	res, err := db.conn.ExecContext(ctx, query,
		e.ID, e.AreaID, e.Kind, string(e.Payload),
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue entry %s: %w", e.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for entry %s: %w", e.ID, err)
	}
	return seq, nil
}

// PendingBatch returns up to max of the oldest pending entries for one area
// whose retry backoff has elapsed at now. Batches never interleave areas, so
// aggregate counts stay consistent during a drain.
func (db *DB) PendingBatch(ctx context.Context, areaID string, max int, now time.Time) ([]*QueueEntry, error) {
	query := `
	SELECT seq, id, area_id, kind, payload, created_at, retry_count, last_error, state, next_attempt_at
	FROM queue_entries
	WHERE area_id = ? AND state = 'pending'
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY seq ASC
	LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, areaID, now.Format(time.RFC3339Nano), max)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batch for area %s: %w", areaID, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// EntriesByState returns all entries for an area in the given state,
// oldest first. Pass an empty areaID to list across areas.
func (db *DB) EntriesByState(ctx context.Context, areaID string, state EntryState) ([]*QueueEntry, error) {
	query := `
	SELECT seq, id, area_id, kind, payload, created_at, retry_count, last_error, state, next_attempt_at
	FROM queue_entries
	WHERE state = ? AND (? = '' OR area_id = ?)
	ORDER BY seq ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, string(state), areaID, areaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s entries: %w", state, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetQueueEntry fetches a single entry by mutation id.
// Returns ErrNotFound if it does not exist.
func (db *DB) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	query := `
	SELECT seq, id, area_id, kind, payload, created_at, retry_count, last_error, state, next_attempt_at
	FROM queue_entries
	WHERE id = ?
	`

	rows, err := db.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry %s: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return entries[0], nil
}

// SetEntryState moves an entry to a terminal or review state.
func (db *DB) SetEntryState(ctx context.Context, id string, state EntryState, lastError string) error {
	query := `UPDATE queue_entries SET state = ?, last_error = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, string(state), nullIfEmpty(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to set entry %s state %s: %w", id, state, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordEntryFailure increments the retry count and schedules the next
// attempt. The retry count is monotonically non-decreasing until the entry
// reaches a terminal state.
func (db *DB) RecordEntryFailure(ctx context.Context, id string, retryCount int, lastError string, nextAttempt time.Time) error {
	query := `
	UPDATE queue_entries
	SET retry_count = ?, last_error = ?, next_attempt_at = ?
	WHERE id = ? AND retry_count <= ?
	`
	res, err := db.conn.ExecContext(ctx, query,
		retryCount, lastError, nextAttempt.Format(time.RFC3339Nano), id, retryCount)
	if err != nil {
		return fmt.Errorf("failed to record failure for entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountByState returns the number of entries for an area in the given state.
// Pass an empty areaID to count across areas.
func (db *DB) CountByState(ctx context.Context, areaID string, state EntryState) (int, error) {
	query := `SELECT COUNT(*) FROM queue_entries WHERE state = ? AND (? = '' OR area_id = ?)`
	var count int
	if err := db.conn.QueryRowContext(ctx, query, string(state), areaID, areaID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s entries: %w", state, err)
	}
	return count, nil
}

// PendingAreas returns the ids of areas that have pending entries,
// oldest pending work first.
func (db *DB) PendingAreas(ctx context.Context) ([]string, error) {
	query := `
	SELECT area_id FROM queue_entries
	WHERE state = 'pending'
	GROUP BY area_id
	ORDER BY MIN(seq) ASC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending areas: %w", err)
	}
	defer rows.Close()

	var areas []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan area id: %w", err)
		}
		areas = append(areas, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending areas: %w", err)
	}

	return areas, nil
}

// MoveOldestPendingToReview flags the n oldest pending entries for manual
// review. Used when the queue exceeds its safety cap; nothing is dropped.
func (db *DB) MoveOldestPendingToReview(ctx context.Context, n int) (int64, error) {
	query := `
	UPDATE queue_entries SET state = 'review'
	WHERE seq IN (
		SELECT seq FROM queue_entries
		WHERE state = 'pending'
		ORDER BY seq ASC
		LIMIT ?
	)
	`
	res, err := db.conn.ExecContext(ctx, query, n)
	if err != nil {
		return 0, fmt.Errorf("failed to flag entries for review: %w", err)
	}
	moved, _ := res.RowsAffected()
	return moved, nil
}

// scanEntries is a helper to scan queue entries from query results.
func scanEntries(rows *sql.Rows) ([]*QueueEntry, error) {
	var entries []*QueueEntry

	for rows.Next() {
		var e QueueEntry
		var payload, createdAt, state string
		var lastError, nextAttempt sql.NullString

		err := rows.Scan(
			&e.Seq,
			&e.ID,
			&e.AreaID,
			&e.Kind,
			&payload,
			&createdAt,
			&e.RetryCount,
			&lastError,
			&state,
			&nextAttempt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		e.Payload = json.RawMessage(payload)
		e.State = EntryState(state)
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt created_at on entry %s: %w", e.ID, err)
		}
		e.CreatedAt = created
		if lastError.Valid {
			e.LastError = lastError.String
		}
		e.NextAttemptAt = nullStringToTime(nextAttempt)

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// HasPendingEntryForItem reports whether any pending entry for the area
// targets the given item. Reconciliation keeps local optimistic values for
// such items instead of taking the remote snapshot.
func (db *DB) HasPendingEntryForItem(ctx context.Context, areaID, itemID string) (bool, error) {
	// Payloads are JSON with an "area_item_id" field.
	query := `
	SELECT 1 FROM queue_entries
	WHERE area_id = ? AND state = 'pending'
	  AND json_extract(payload, '$.area_item_id') = ?
	LIMIT 1
	`
	var one int
	err := db.conn.QueryRowContext(ctx, query, areaID, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check pending entries for item %s: %w", itemID, err)
	}
	return true, nil
}
