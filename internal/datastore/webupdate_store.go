package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/models"
)

const webUpdateColumns = `id, client_id, source_id, diff_content_id, title, description, hash,
	old_image_key, new_image_key, published_at, created_at`

func scanWebUpdate(sc rowScanner) (*models.WebUpdate, error) {
	var wu models.WebUpdate
	var oldKey, newKey sql.NullString
	var publishedAt, createdAt string

	err := sc.Scan(&wu.ID, &wu.ClientID, &wu.SourceID, &wu.DiffContentID, &wu.Title, &wu.Description,
		&wu.Hash, &oldKey, &newKey, &publishedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	wu.OldImageKey = oldKey.String
	wu.NewImageKey = newKey.String
	if wu.PublishedAt, err = parseTime(publishedAt); err != nil {
		return nil, fmt.Errorf("bad published_at for web_update %d: %w", wu.ID, err)
	}
	if wu.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for web_update %d: %w", wu.ID, err)
	}
	return &wu, nil
}

// CreateWebUpdate inserts one per-client update. (client_id, hash) is
// unique: the same textual update never reaches a client twice, and callers
// treat the violation as an intentional skip.
func (d *DB) CreateWebUpdate(ctx context.Context, wu *models.WebUpdate) (int64, error) {
	if wu.Hash == "" {
		wu.Hash = models.UpdateHash(wu.Title, wu.Description)
	}
	if wu.PublishedAt.IsZero() {
		wu.PublishedAt = time.Now()
	}

	result, err := d.db.ExecContext(ctx,
		`INSERT INTO web_updates (client_id, source_id, diff_content_id, title, description, hash,
			old_image_key, new_image_key, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wu.ClientID, wu.SourceID, wu.DiffContentID, wu.Title, wu.Description, wu.Hash,
		nullString(wu.OldImageKey), nullString(wu.NewImageKey),
		formatTime(wu.PublishedAt), formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetWebUpdateByID fetches one web update.
func (d *DB) GetWebUpdateByID(ctx context.Context, id int64) (*models.WebUpdate, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+webUpdateColumns+` FROM web_updates WHERE id = ?`, id)
	wu, err := scanWebUpdate(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to query web_update")
	}
	return wu, nil
}

// ListPriorWebUpdates returns the earlier updates the target's client
// received for the same source, newest first, excluding the target itself.
// The change-log page shows these under the selected update; updates other
// clients received for the source stay out of it.
func (d *DB) ListPriorWebUpdates(ctx context.Context, target *models.WebUpdate, limit int) ([]models.WebUpdate, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+webUpdateColumns+` FROM web_updates
		WHERE source_id = ? AND client_id = ? AND id != ? AND published_at <= ?
		ORDER BY published_at DESC, id DESC LIMIT ?`,
		target.SourceID, target.ClientID, target.ID, formatTime(target.PublishedAt), limit)
	if err != nil {
		return nil, common.WrapError(err, "failed to query prior web_updates")
	}
	defer rows.Close()

	var updates []models.WebUpdate
	for rows.Next() {
		wu, err := scanWebUpdate(rows)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan web_update row")
		}
		updates = append(updates, *wu)
	}
	return updates, rows.Err()
}

// ListWebUpdatesInWindow selects updates published inside [from, to] for
// the external indexer, oldest first.
func (d *DB) ListWebUpdatesInWindow(ctx context.Context, from, to time.Time, clientIDs []int64) ([]models.WebUpdate, error) {
	query := `SELECT ` + webUpdateColumns + ` FROM web_updates
	WHERE published_at >= ? AND published_at <= ?`
	args := []interface{}{formatTime(from), formatTime(to)}

	if len(clientIDs) > 0 {
		query += ` AND client_id IN (` + placeholders(len(clientIDs)) + `)`
		for _, id := range clientIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY published_at ASC, id ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.WrapError(err, "failed to query web_updates window")
	}
	defer rows.Close()

	var updates []models.WebUpdate
	for rows.Next() {
		wu, err := scanWebUpdate(rows)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan web_update row")
		}
		updates = append(updates, *wu)
	}
	return updates, rows.Err()
}
