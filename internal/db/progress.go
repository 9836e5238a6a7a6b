package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/verisync/internal/progress"
)

// SaveProgress upserts an area's serialized snapshot.
func (db *DB) SaveProgress(snap *progress.LocalVerificationProgress) error {
	return db.SaveProgressContext(context.Background(), snap)
}

// SaveProgressContext upserts an area's serialized snapshot with context support.
func (db *DB) SaveProgressContext(ctx context.Context, snap *progress.LocalVerificationProgress) error {
	if snap == nil || snap.AreaID == "" {
		return fmt.Errorf("snapshot must have an area id")
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for area %s: %w", snap.AreaID, err)
	}

	query := `
	INSERT INTO area_progress (area_id, site_id, payload, sync_status, last_modified)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(area_id) DO UPDATE SET
		site_id = excluded.site_id,
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified
	`

	_, err = db.conn.ExecContext(ctx, query,
		snap.AreaID,
		snap.SiteID,
		string(payload),
		string(snap.SyncStatus),
		snap.LastModified.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save progress for area %s: %w", snap.AreaID, err)
	}

	return nil
}

// LoadProgress reads an area's serialized snapshot.
// Returns ErrNotFound if no record exists for the area.
func (db *DB) LoadProgress(areaID string) (*progress.LocalVerificationProgress, error) {
	return db.LoadProgressContext(context.Background(), areaID)
}

// LoadProgressContext reads an area's serialized snapshot with context support.
func (db *DB) LoadProgressContext(ctx context.Context, areaID string) (*progress.LocalVerificationProgress, error) {
	query := `SELECT payload FROM area_progress WHERE area_id = ?`

	var payload string
	err := db.conn.QueryRowContext(ctx, query, areaID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("area %s: %w", areaID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress for area %s: %w", areaID, err)
	}

	var snap progress.LocalVerificationProgress
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		// A row that won't parse is corrupt, not missing. The caller
		// routes this through the integrity guard and rebuilds.
		return nil, fmt.Errorf("corrupt progress payload for area %s: %w", areaID, err)
	}

	return &snap, nil
}

// GetSyncStatus reads just the persisted sync status for an area, without
// deserializing the snapshot. Returns ErrNotFound if no record exists.
func (db *DB) GetSyncStatus(ctx context.Context, areaID string) (progress.SyncStatus, error) {
	var status string
	err := db.conn.QueryRowContext(ctx,
		`SELECT sync_status FROM area_progress WHERE area_id = ?`, areaID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("area %s: %w", areaID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load sync status for area %s: %w", areaID, err)
	}
	return progress.SyncStatus(status), nil
}

// DeleteProgress removes an area's snapshot, used when the integrity guard
// rejects a cached value. Idempotent.
func (db *DB) DeleteProgress(ctx context.Context, areaID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM area_progress WHERE area_id = ?`, areaID); err != nil {
		return fmt.Errorf("failed to delete progress for area %s: %w", areaID, err)
	}
	return nil
}

// ListAreaIDs returns the ids of all areas with a persisted snapshot.
func (db *DB) ListAreaIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT area_id FROM area_progress ORDER BY area_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan area id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating areas: %w", err)
	}

	return ids, nil
}

// MarkNotified records that a notification was issued for the dedup key.
func (db *DB) MarkNotified(ctx context.Context, dedupKey string, at time.Time) error {
	query := `
	INSERT INTO notified (dedup_key, notified_at) VALUES (?, ?)
	ON CONFLICT(dedup_key) DO NOTHING
	`
	if _, err := db.conn.ExecContext(ctx, query, dedupKey, at.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to mark notified %s: %w", dedupKey, err)
	}
	return nil
}

// WasNotified reports whether a notification was already issued for the key.
func (db *DB) WasNotified(ctx context.Context, dedupKey string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, `SELECT 1 FROM notified WHERE dedup_key = ?`, dedupKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check notified %s: %w", dedupKey, err)
	}
	return true, nil
}

// PruneNotified drops dedup entries older than the cutoff. Period keys make
// old entries harmless, pruning just bounds table growth.
func (db *DB) PruneNotified(ctx context.Context, before time.Time) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM notified WHERE notified_at < ?`,
		before.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to prune notified set: %w", err)
	}
	return nil
}
