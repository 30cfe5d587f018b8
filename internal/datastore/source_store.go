package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/urlhandler"
)

const sourceColumns = `id, url, base_url, domain, name, state, status, frequency_hours,
	junk_xpaths, accept_cookie_xpaths, screenshot_sleep_ms,
	last_run, last_error, created_at, updated_at`

func scanSource(sc rowScanner) (*models.Source, error) {
	var src models.Source
	var junk, cookies, createdAt, updatedAt string
	var lastRun, lastErr sql.NullString

	err := sc.Scan(&src.ID, &src.URL, &src.BaseURL, &src.Domain, &src.Name, &src.State, &src.Status, &src.FrequencyHours,
		&junk, &cookies, &src.ScreenshotSleepMs, &lastRun, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	src.JunkXPaths = unmarshalStringList(junk)
	src.AcceptCookieXPaths = unmarshalStringList(cookies)
	src.LastRun = parseTimePtr(lastRun)
	src.LastError = lastErr.String
	if src.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for source %d: %w", src.ID, err)
	}
	if src.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for source %d: %w", src.ID, err)
	}
	return &src, nil
}

// CreateSource inserts a new source and returns its id. The base URL and
// registered domain are derived from the URL at creation so that fetch
// batching and diff rendering never re-parse it. A second source with the
// same url is rejected by the unique constraint.
func (d *DB) CreateSource(ctx context.Context, src *models.Source) (int64, error) {
	now := formatTime(time.Now())
	if src.State == "" {
		src.State = models.SourceStateActive
	}
	if src.Status == "" {
		src.Status = models.SourceStatusOK
	}
	if !models.IsValidFrequency(src.FrequencyHours) {
		return 0, common.NewValidationError("frequency_hours", src.FrequencyHours, "must be 6, 12 or 24")
	}
	if src.BaseURL == "" {
		base, err := urlhandler.BaseURL(src.URL)
		if err != nil {
			return 0, common.NewValidationError("url", src.URL, "must be an absolute http(s) url")
		}
		src.BaseURL = base
	}
	if src.Domain == "" {
		domain, err := urlhandler.RegisteredDomain(src.URL)
		if err != nil {
			return 0, common.NewValidationError("url", src.URL, "must carry a registrable domain")
		}
		src.Domain = domain
	}

	result, err := d.db.ExecContext(ctx,
		`INSERT INTO sources (url, base_url, domain, name, state, status, frequency_hours, junk_xpaths,
			accept_cookie_xpaths, screenshot_sleep_ms, last_run, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		src.URL, src.BaseURL, src.Domain, src.Name, src.State, src.Status, src.FrequencyHours,
		marshalStringList(src.JunkXPaths), marshalStringList(src.AcceptCookieXPaths),
		src.ScreenshotSleepMs, now, now)
	if err != nil {
		return 0, common.WrapError(err, "failed to insert source")
	}
	return result.LastInsertId()
}

// GetSourceByID fetches a single source.
func (d *DB) GetSourceByID(ctx context.Context, id int64) (*models.Source, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to query source")
	}
	return src, nil
}

// SourceFilter narrows the source selection of one fetch run beyond the
// frequency and shard. Explicit ids or urls override the schedule for
// manual reruns; the client filters restrict the run to sources bound to
// (or away from) particular clients.
type SourceFilter struct {
	FrequencyHours int
	Shard          int
	MaxShards      int
	SourceIDs      []int64
	URLs           []string
	IncludeClients []int64
	ExcludeClients []int64
}

// ListFetchableSources selects the sources due for a fetch run: active, not
// broken, matching the frequency, shard-assigned, bound to at least one
// active client, and past their frequency window. Explicit ids or urls in
// the filter bypass the window check only.
func (d *DB) ListFetchableSources(ctx context.Context, f SourceFilter, now time.Time) ([]models.Source, error) {
	var query strings.Builder
	query.WriteString(`SELECT DISTINCT s.id, s.url, s.base_url, s.domain, s.name, s.state, s.status, s.frequency_hours,
		s.junk_xpaths, s.accept_cookie_xpaths, s.screenshot_sleep_ms,
		s.last_run, s.last_error, s.created_at, s.updated_at
	FROM sources s
	JOIN client_sources cs ON cs.source_id = s.id AND cs.state = 'active'
	WHERE s.state = 'active' AND s.status != 'broken'
		AND s.frequency_hours = ?
		AND s.id % ? = ?`)
	args := []interface{}{f.FrequencyHours, f.MaxShards, f.Shard}

	if len(f.SourceIDs) > 0 {
		query.WriteString(` AND s.id IN (` + placeholders(len(f.SourceIDs)) + `)`)
		for _, id := range f.SourceIDs {
			args = append(args, id)
		}
	}
	if len(f.URLs) > 0 {
		query.WriteString(` AND s.url IN (` + placeholders(len(f.URLs)) + `)`)
		for _, url := range f.URLs {
			args = append(args, url)
		}
	}
	if len(f.SourceIDs) == 0 && len(f.URLs) == 0 {
		cutoff := now.Add(-time.Duration(f.FrequencyHours) * time.Hour)
		query.WriteString(` AND (s.last_run IS NULL OR s.last_run <= ?)`)
		args = append(args, formatTime(cutoff))
	}
	if len(f.IncludeClients) > 0 {
		query.WriteString(` AND cs.client_id IN (` + placeholders(len(f.IncludeClients)) + `)`)
		for _, id := range f.IncludeClients {
			args = append(args, id)
		}
	}
	if len(f.ExcludeClients) > 0 {
		query.WriteString(` AND s.id NOT IN (
			SELECT source_id FROM client_sources
			WHERE state = 'active' AND client_id IN (` + placeholders(len(f.ExcludeClients)) + `))`)
		for _, id := range f.ExcludeClients {
			args = append(args, id)
		}
	}
	query.WriteString(` ORDER BY s.id ASC`)

	rows, err := d.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, common.WrapError(err, "failed to query fetchable sources")
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan source row")
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// ListActiveSources returns every active source regardless of health. The
// prober uses this to find both live and broken targets.
func (d *DB) ListActiveSources(ctx context.Context) ([]models.Source, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE state = 'active' ORDER BY id ASC`)
	if err != nil {
		return nil, common.WrapError(err, "failed to query active sources")
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, common.WrapError(err, "failed to scan source row")
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// UpdateSourceFetched records a successful fetch: last_run advances and any
// previous error is cleared.
func (d *DB) UpdateSourceFetched(ctx context.Context, id int64, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sources SET last_run = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to update source last_run")
	}
	return nil
}

// UpdateSourceError stores the last failure message without touching status.
func (d *DB) UpdateSourceError(ctx context.Context, id int64, lastError string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sources SET last_error = ?, updated_at = ? WHERE id = ?`,
		nullString(lastError), formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to update source last_error")
	}
	return nil
}

// MarkSourceBroken flags a source so the fetch scheduler skips it until the
// prober sees it respond again.
func (d *DB) MarkSourceBroken(ctx context.Context, id int64, lastError string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sources SET status = 'broken', last_error = ?, updated_at = ? WHERE id = ?`,
		nullString(lastError), formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to mark source broken")
	}
	return nil
}

// MarkSourceOK resets a recovered source to healthy.
func (d *DB) MarkSourceOK(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sources SET status = 'ok', last_error = NULL, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return common.WrapError(err, "failed to mark source ok")
	}
	return nil
}

// CreateClientSource binds a client to a source.
func (d *DB) CreateClientSource(ctx context.Context, binding *models.ClientSource) (int64, error) {
	if binding.State == "" {
		binding.State = models.SourceStateActive
	}
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO client_sources (client_id, source_id, state, created_at) VALUES (?, ?, ?, ?)`,
		binding.ClientID, binding.SourceID, binding.State, formatTime(time.Now()))
	if err != nil {
		return 0, common.WrapError(err, "failed to insert client binding")
	}
	return result.LastInsertId()
}

// ListActiveClientIDs returns the clients actively tracking a source.
func (d *DB) ListActiveClientIDs(ctx context.Context, sourceID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT client_id FROM client_sources WHERE source_id = ? AND state = 'active' ORDER BY client_id ASC`,
		sourceID)
	if err != nil {
		return nil, common.WrapError(err, "failed to query client bindings")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
