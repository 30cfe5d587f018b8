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

const diffContentColumns = `id, old_snapshot_id, new_snapshot_id, old_html_blob_key, new_html_blob_key,
	old_screenshot_key, new_screenshot_key,
	added_text, removed_text, added_images, removed_images, added_links, removed_links,
	status, state, degraded, created_at, updated_at`

func scanDiffContent(sc rowScanner) (*models.DiffContent, error) {
	var c models.DiffContent
	var oldShot, newShot sql.NullString
	var addedText, removedText, addedImages, removedImages, addedLinks, removedLinks string
	var degraded int
	var createdAt, updatedAt string

	err := sc.Scan(&c.ID, &c.OldSnapshotID, &c.NewSnapshotID, &c.OldHTMLBlobKey, &c.NewHTMLBlobKey,
		&oldShot, &newShot,
		&addedText, &removedText, &addedImages, &removedImages, &addedLinks, &removedLinks,
		&c.Status, &c.State, &degraded, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.OldScreenshotKey = oldShot.String
	c.NewScreenshotKey = newShot.String
	c.Added = models.ChangeSummary{
		Text:   unmarshalStringList(addedText),
		Images: unmarshalStringList(addedImages),
		Links:  unmarshalStringList(addedLinks),
	}
	c.Removed = models.ChangeSummary{
		Text:   unmarshalStringList(removedText),
		Images: unmarshalStringList(removedImages),
		Links:  unmarshalStringList(removedLinks),
	}
	c.Degraded = degraded != 0
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for diff_content %d: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for diff_content %d: %w", c.ID, err)
	}
	return &c, nil
}

// CreateDiffContent inserts a pending DiffContent. A unique violation on
// new_snapshot_id means a concurrent renderer already created the record.
func (d *DB) CreateDiffContent(ctx context.Context, c *models.DiffContent) (int64, error) {
	now := formatTime(time.Now())
	if c.Status == "" {
		c.Status = models.DiffContentStatusPending
	}
	if c.State == "" {
		c.State = models.SourceStateActive
	}
	degraded := 0
	if c.Degraded {
		degraded = 1
	}

	result, err := d.db.ExecContext(ctx,
		`INSERT INTO diff_contents (old_snapshot_id, new_snapshot_id, old_html_blob_key, new_html_blob_key,
			old_screenshot_key, new_screenshot_key,
			added_text, removed_text, added_images, removed_images, added_links, removed_links,
			status, state, degraded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.OldSnapshotID, c.NewSnapshotID, c.OldHTMLBlobKey, c.NewHTMLBlobKey,
		nullString(c.OldScreenshotKey), nullString(c.NewScreenshotKey),
		marshalStringList(c.Added.Text), marshalStringList(c.Removed.Text),
		marshalStringList(c.Added.Images), marshalStringList(c.Removed.Images),
		marshalStringList(c.Added.Links), marshalStringList(c.Removed.Links),
		c.Status, c.State, degraded, now, now)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetDiffContentByID fetches one DiffContent row.
func (d *DB) GetDiffContentByID(ctx context.Context, id int64) (*models.DiffContent, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+diffContentColumns+` FROM diff_contents WHERE id = ?`, id)
	c, err := scanDiffContent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to query diff_content")
	}
	return c, nil
}

// UpdateDiffContentScreenshots attaches the rendered screenshot keys to a
// DiffContent. The keys embed the row id, so they can only be written after
// the insert.
func (d *DB) UpdateDiffContentScreenshots(ctx context.Context, id int64, oldKey, newKey string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE diff_contents SET old_screenshot_key = ?, new_screenshot_key = ?, updated_at = ?
		WHERE id = ?`,
		nullString(oldKey), nullString(newKey), formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to update diff_content screenshots")
	}
	return nil
}

// TransitionDiffContent moves a pending DiffContent to published or
// rejected. Terminal records are never rewritten.
func (d *DB) TransitionDiffContent(ctx context.Context, id int64, next models.DiffContentStatus) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE diff_contents SET status = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		next, formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to transition diff_content")
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

// DiffContentWithSource carries the source behind a DiffContent, resolved
// through its new snapshot. The indexer and the change-log page need it.
type DiffContentWithSource struct {
	models.DiffContent
	SourceID   int64
	SourceName string
	SourceURL  string
}

// ListPendingDiffContents selects pending records created inside the window
// together with their sources, oldest first.
func (d *DB) ListPendingDiffContents(ctx context.Context, from, to time.Time, limit int) ([]DiffContentWithSource, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+prefixColumns(diffContentColumns, "dc")+`, s.source_id, src.name, src.url
		FROM diff_contents dc
		JOIN snapshots s ON s.id = dc.new_snapshot_id
		JOIN sources src ON src.id = s.source_id
		WHERE dc.status = 'pending' AND dc.created_at >= ? AND dc.created_at <= ?
		ORDER BY dc.created_at ASC, dc.id ASC LIMIT ?`,
		formatTime(from), formatTime(to), limit)
	if err != nil {
		return nil, common.WrapError(err, "failed to query pending diff_contents")
	}
	defer rows.Close()

	return collectDiffContentsWithSource(rows)
}

// ListPublishedDiffContentsBySource returns a source's published diffs,
// newest first, for the change-log page.
func (d *DB) ListPublishedDiffContentsBySource(ctx context.Context, sourceID int64, limit int) ([]DiffContentWithSource, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+prefixColumns(diffContentColumns, "dc")+`, s.source_id, src.name, src.url
		FROM diff_contents dc
		JOIN snapshots s ON s.id = dc.new_snapshot_id
		JOIN sources src ON src.id = s.source_id
		WHERE dc.status = 'published' AND s.source_id = ?
		ORDER BY dc.created_at DESC, dc.id DESC LIMIT ?`,
		sourceID, limit)
	if err != nil {
		return nil, common.WrapError(err, "failed to query published diff_contents")
	}
	defer rows.Close()

	return collectDiffContentsWithSource(rows)
}

func collectDiffContentsWithSource(rows *sql.Rows) ([]DiffContentWithSource, error) {
	var out []DiffContentWithSource
	for rows.Next() {
		var c models.DiffContent
		var oldShot, newShot sql.NullString
		var addedText, removedText, addedImages, removedImages, addedLinks, removedLinks string
		var degraded int
		var createdAt, updatedAt string
		var sourceID int64
		var sourceName, sourceURL string

		err := rows.Scan(&c.ID, &c.OldSnapshotID, &c.NewSnapshotID, &c.OldHTMLBlobKey, &c.NewHTMLBlobKey,
			&oldShot, &newShot,
			&addedText, &removedText, &addedImages, &removedImages, &addedLinks, &removedLinks,
			&c.Status, &c.State, &degraded, &createdAt, &updatedAt,
			&sourceID, &sourceName, &sourceURL)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan diff_content row")
		}

		c.OldScreenshotKey = oldShot.String
		c.NewScreenshotKey = newShot.String
		c.Added = models.ChangeSummary{
			Text:   unmarshalStringList(addedText),
			Images: unmarshalStringList(addedImages),
			Links:  unmarshalStringList(addedLinks),
		}
		c.Removed = models.ChangeSummary{
			Text:   unmarshalStringList(removedText),
			Images: unmarshalStringList(removedImages),
			Links:  unmarshalStringList(removedLinks),
		}
		c.Degraded = degraded != 0
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("bad created_at for diff_content %d: %w", c.ID, err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("bad updated_at for diff_content %d: %w", c.ID, err)
		}

		out = append(out, DiffContentWithSource{
			DiffContent: c,
			SourceID:    sourceID,
			SourceName:  sourceName,
			SourceURL:   sourceURL,
		})
	}
	return out, rows.Err()
}

// ListArchiveCandidates selects pending or rejected DiffContents older than
// the cutoff, oldest first, capped at limit.
func (d *DB) ListArchiveCandidates(ctx context.Context, before time.Time, limit int) ([]models.DiffContent, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+diffContentColumns+` FROM diff_contents
		WHERE status IN ('pending', 'rejected') AND created_at < ?
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		formatTime(before), limit)
	if err != nil {
		return nil, common.WrapError(err, "failed to query archive candidates")
	}
	defer rows.Close()

	var out []models.DiffContent
	for rows.Next() {
		c, err := scanDiffContent(rows)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan diff_content row")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

/// KeepSnapshotIDs computes the retention set: the two most recent processed
// snapshots of every source, plus any snapshot on either side of a
// published DiffContent. The archiver must never delete these.
func (d *DB) KeepSnapshotIDs(ctx context.Context) (map[int64]struct{}, error) {
	keep := make(map[int64]struct{})

	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY source_id ORDER BY created_at DESC, id DESC) AS rn
			FROM snapshots WHERE status = 'processed'
		) WHERE rn <= 2`)
	if err != nil {
		return nil, common.WrapError(err, "failed to query recent processed snapshots")
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		keep[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pubRows, err := d.db.QueryContext(ctx,
		`SELECT old_snapshot_id, new_snapshot_id FROM diff_contents WHERE status = 'published'`)
	if err != nil {
		return nil, common.WrapError(err, "failed to query published diff references")
	}
	defer pubRows.Close()
	for pubRows.Next() {
		var oldID, newID int64
		if err := pubRows.Scan(&oldID, &newID); err != nil {
			return nil, err
		}
		keep[oldID] = struct{}{}
		keep[newID] = struct{}{}
	}
	return keep, pubRows.Err()
}

// DeleteDiffContent removes one DiffContent row.
func (d *DB) DeleteDiffContent(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM diff_contents WHERE id = ?`, id)
	return err
}

// prefixColumns qualifies a comma-separated column list with a table alias
// for join queries.
func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
