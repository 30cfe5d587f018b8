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

const diffHtmlColumns = `id, old_snapshot_id, new_snapshot_id, old_html_blob_key, new_html_blob_key,
	added_text, removed_text, added_images, removed_images, added_links, removed_links,
	status, state, last_error, created_at, updated_at`

func scanDiffHtml(sc rowScanner) (*models.DiffHtml, error) {
	var d models.DiffHtml
	var addedText, removedText, addedImages, removedImages, addedLinks, removedLinks string
	var lastErr sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(&d.ID, &d.OldSnapshotID, &d.NewSnapshotID, &d.OldHTMLBlobKey, &d.NewHTMLBlobKey,
		&addedText, &removedText, &addedImages, &removedImages, &addedLinks, &removedLinks,
		&d.Status, &d.State, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Added = models.ChangeSummary{
		Text:   unmarshalStringList(addedText),
		Images: unmarshalStringList(addedImages),
		Links:  unmarshalStringList(addedLinks),
	}
	d.Removed = models.ChangeSummary{
		Text:   unmarshalStringList(removedText),
		Images: unmarshalStringList(removedImages),
		Links:  unmarshalStringList(removedLinks),
	}
	d.LastError = lastErr.String
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for diff_html %d: %w", d.ID, err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for diff_html %d: %w", d.ID, err)
	}
	return &d, nil
}

// CreateDiffHtml inserts a draft DiffHtml. new_snapshot_id is unique, so a
// racing worker's insert surfaces as a unique violation that callers treat
// as success.
func (d *DB) CreateDiffHtml(ctx context.Context, diff *models.DiffHtml) (int64, error) {
	now := formatTime(time.Now())
	if diff.Status == "" {
		diff.Status = models.DiffHtmlStatusDraft
	}
	if diff.State == "" {
		diff.State = models.SourceStateActive
	}

	result, err := d.db.ExecContext(ctx,
		`INSERT INTO diff_htmls (old_snapshot_id, new_snapshot_id, old_html_blob_key, new_html_blob_key,
			added_text, removed_text, added_images, removed_images, added_links, removed_links,
			status, state, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		diff.OldSnapshotID, diff.NewSnapshotID, diff.OldHTMLBlobKey, diff.NewHTMLBlobKey,
		marshalStringList(diff.Added.Text), marshalStringList(diff.Removed.Text),
		marshalStringList(diff.Added.Images), marshalStringList(diff.Removed.Images),
		marshalStringList(diff.Added.Links), marshalStringList(diff.Removed.Links),
		diff.Status, diff.State, now, now)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetDiffHtmlByID fetches one DiffHtml row.
func (d *DB) GetDiffHtmlByID(ctx context.Context, id int64) (*models.DiffHtml, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+diffHtmlColumns+` FROM diff_htmls WHERE id = ?`, id)
	diff, err := scanDiffHtml(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to query diff_html")
	}
	return diff, nil
}

// ListRenderableDiffHtmls selects the diffs the renderer should screenshot:
// drafts (or failed rows when reprocessing) created inside the window,
// shard-assigned, oldest first. Explicit newSnapshotIDs narrow the selection.
func (d *DB) ListRenderableDiffHtmls(ctx context.Context, from, to time.Time, failed bool, newSnapshotIDs []int64, shard, maxShards, limit int) ([]models.DiffHtml, error) {
	status := string(models.DiffHtmlStatusDraft)
	if failed {
		status = string(models.DiffHtmlStatusFailed)
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + diffHtmlColumns + ` FROM diff_htmls
	WHERE status = ? AND created_at >= ? AND created_at <= ?
		AND id % ? = ?`)
	args := []interface{}{status, formatTime(from), formatTime(to), maxShards, shard}

	if len(newSnapshotIDs) > 0 {
		query.WriteString(` AND new_snapshot_id IN (` + placeholders(len(newSnapshotIDs)) + `)`)
		for _, id := range newSnapshotIDs {
			args = append(args, id)
		}
	}
	query.WriteString(` ORDER BY created_at ASC, id ASC LIMIT ?`)
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, common.WrapError(err, "failed to query renderable diff_htmls")
	}
	defer rows.Close()

	var diffs []models.DiffHtml
	for rows.Next() {
		diff, err := scanDiffHtml(rows)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan diff_html row")
		}
		diffs = append(diffs, *diff)
	}
	return diffs, rows.Err()
}

// TransitionDiffHtml moves a DiffHtml to processed or failed. Processed is
// terminal; failed rows may be retried into processed by a --failed run.
func (d *DB) TransitionDiffHtml(ctx context.Context, id int64, next models.DiffHtmlStatus, lastError string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE diff_htmls SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status != 'processed'`,
		next, nullString(lastError), formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to transition diff_html")
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

// DeleteDiffHtmlsByPair removes the DiffHtml rows referencing a snapshot
// pair. Used by the archiver together with the matching DiffContent delete.
func (d *DB) DeleteDiffHtmlsByPair(ctx context.Context, oldSnapshotID, newSnapshotID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM diff_htmls WHERE old_snapshot_id = ? AND new_snapshot_id = ?`,
		oldSnapshotID, newSnapshotID)
	return err
}
