package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/models"
)

const snapshotColumns = `id, source_id, capture_ts, status, hash_html,
	html_blob_key, screenshot_blob_key, last_error, created_at, updated_at`

func scanSnapshot(sc rowScanner) (*models.Snapshot, error) {
	var snap models.Snapshot
	var captureTS, createdAt, updatedAt string
	var screenshotKey, lastErr sql.NullString

	err := sc.Scan(&snap.ID, &snap.SourceID, &captureTS, &snap.Status, &snap.HashHTML,
		&snap.HTMLBlobKey, &screenshotKey, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	snap.ScreenshotBlobKey = screenshotKey.String
	snap.LastError = lastErr.String
	if snap.CaptureTS, err = parseTime(captureTS); err != nil {
		return nil, fmt.Errorf("bad capture_ts for snapshot %d: %w", snap.ID, err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for snapshot %d: %w", snap.ID, err)
	}
	if snap.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for snapshot %d: %w", snap.ID, err)
	}
	return &snap, nil
}

// CreateSnapshot inserts a draft snapshot. Callers must treat a unique
// violation on hash_html as "already captured", not as a failure.
func (d *DB) CreateSnapshot(ctx context.Context, snap *models.Snapshot) (int64, error) {
	now := formatTime(time.Now())
	if snap.Status == "" {
		snap.Status = models.SnapshotStatusDraft
	}

	result, err := d.db.ExecContext(ctx,
		`INSERT INTO snapshots (source_id, capture_ts, status, hash_html, html_blob_key,
			screenshot_blob_key, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		snap.SourceID, formatTime(snap.CaptureTS), snap.Status, snap.HashHTML,
		snap.HTMLBlobKey, nullString(snap.ScreenshotBlobKey), now, now)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// HashExists reports whether any snapshot already carries this fingerprint.
func (d *DB) HashExists(ctx context.Context, hashHTML string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM snapshots WHERE hash_html = ? LIMIT 1`, hashHTML).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, common.WrapError(err, "failed to check snapshot hash")
	}
	return true, nil
}

// GetSnapshotByID fetches a single snapshot.
func (d *DB) GetSnapshotByID(ctx context.Context, id int64) (*models.Snapshot, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to query snapshot")
	}
	return snap, nil
}

// LatestProcessedSnapshot returns the newest processed snapshot of a source,
// or ErrNotFound when the source has never completed a diff pass.
func (d *DB) LatestProcessedSnapshot(ctx context.Context, sourceID int64) (*models.Snapshot, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE source_id = ? AND status = 'processed'
		ORDER BY created_at DESC, id DESC LIMIT 1`, sourceID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to query latest processed snapshot")
	}
	return snap, nil
}

// ListDraftSnapshots selects drafts for the snapshot processor: the oldest
// draft of each active source, shard-filtered, up to limit rows. Explicit
// sourceIDs narrow the selection to those sources' drafts.
func (d *DB) ListDraftSnapshots(ctx context.Context, shard, maxShards, limit int, sourceIDs []int64) ([]models.Snapshot, error) {
	var query strings.Builder
	query.WriteString(`SELECT id, source_id, capture_ts, status, hash_html,
		html_blob_key, screenshot_blob_key, last_error, created_at, updated_at
	FROM (
		SELECT sn.*, ROW_NUMBER() OVER (PARTITION BY sn.source_id ORDER BY sn.created_at ASC, sn.id ASC) AS rn
		FROM snapshots sn
		JOIN sources src ON src.id = sn.source_id
		WHERE sn.status = 'draft' AND src.state = 'active'
			AND sn.source_id % ? = ?`)
	args := []interface{}{maxShards, shard}

	if len(sourceIDs) > 0 {
		query.WriteString(` AND sn.source_id IN (` + placeholders(len(sourceIDs)) + `)`)
		for _, id := range sourceIDs {
			args = append(args, id)
		}
	}
	query.WriteString(`
	) WHERE rn = 1 ORDER BY id ASC LIMIT ?`)
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, common.WrapError(err, "failed to query draft snapshots")
	}
	defer rows.Close()

	var snaps []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan snapshot row")
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// TransitionSnapshot moves a draft snapshot to a terminal status. The WHERE
// clause keeps the state machine monotonic: a snapshot that already left
// draft is reported as ErrNotFound rather than silently rewritten.
func (d *DB) TransitionSnapshot(ctx context.Context, id int64, next models.SnapshotStatus, lastError string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE snapshots SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'draft'`,
		next, nullString(lastError), formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to transition snapshot")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSnapshot removes one snapshot row. A foreign-key violation means a
// diff still references it; the archiver inspects the error and retries.
func (d *DB) DeleteSnapshot(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	return err
}
