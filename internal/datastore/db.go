package datastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection and provides the store methods for
// sources, snapshots, diffs, and web updates.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewDB initializes a new DB connection and ensures the schema is set up.
func NewDB(dataSourceName string, logger zerolog.Logger) (*DB, error) {
	dbDir := filepath.Dir(dataSourceName)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		logger.Error().Err(err).Str("directory", dbDir).Msg("Failed to create database directory")
		return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
	}

	// Foreign keys are enforced per connection, so they go on the DSN
	// rather than a one-off PRAGMA exec against the pool.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dataSourceName)
	dbInstance, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error().Err(err).Str("db_path", dataSourceName).Msg("Failed to open database")
		return nil, fmt.Errorf("sql.Open failed for %s: %w", dataSourceName, err)
	}

	db := &DB{
		db:     dbInstance,
		logger: logger.With().Str("component", "Datastore").Logger(),
	}

	if err := db.InitSchema(); err != nil {
		db.Close()
		logger.Error().Err(err).Msg("Failed to initialize database schema")
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.logger.Debug().Str("path", dataSourceName).Msg("Database initialized and schema verified")
	return db, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// InitSchema creates all tables if they don't already exist.
func (d *DB) InitSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL UNIQUE,
			base_url TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'active',
			status TEXT NOT NULL DEFAULT 'ok',
			frequency_hours INTEGER NOT NULL DEFAULT 24,
			junk_xpaths TEXT NOT NULL DEFAULT '[]',
			accept_cookie_xpaths TEXT NOT NULL DEFAULT '[]',
			screenshot_sleep_ms INTEGER NOT NULL DEFAULT 0,
			last_run TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS client_sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL,
			source_id INTEGER NOT NULL REFERENCES sources(id),
			state TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL REFERENCES sources(id),
			capture_ts TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			hash_html TEXT NOT NULL UNIQUE,
			html_blob_key TEXT NOT NULL,
			screenshot_blob_key TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS diff_htmls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			old_snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
			new_snapshot_id INTEGER NOT NULL UNIQUE REFERENCES snapshots(id),
			old_html_blob_key TEXT NOT NULL,
			new_html_blob_key TEXT NOT NULL,
			added_text TEXT NOT NULL DEFAULT '[]',
			removed_text TEXT NOT NULL DEFAULT '[]',
			added_images TEXT NOT NULL DEFAULT '[]',
			removed_images TEXT NOT NULL DEFAULT '[]',
			added_links TEXT NOT NULL DEFAULT '[]',
			removed_links TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'draft',
			state TEXT NOT NULL DEFAULT 'active',
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS diff_contents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			old_snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
			new_snapshot_id INTEGER NOT NULL UNIQUE REFERENCES snapshots(id),
			old_html_blob_key TEXT NOT NULL,
			new_html_blob_key TEXT NOT NULL,
			old_screenshot_key TEXT,
			new_screenshot_key TEXT,
			added_text TEXT NOT NULL DEFAULT '[]',
			removed_text TEXT NOT NULL DEFAULT '[]',
			added_images TEXT NOT NULL DEFAULT '[]',
			removed_images TEXT NOT NULL DEFAULT '[]',
			added_links TEXT NOT NULL DEFAULT '[]',
			removed_links TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			state TEXT NOT NULL DEFAULT 'active',
			degraded INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS web_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL,
			source_id INTEGER NOT NULL,
			diff_content_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			hash TEXT NOT NULL,
			old_image_key TEXT,
			new_image_key TEXT,
			published_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(client_id, hash)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_source_status ON snapshots(source_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_diff_htmls_status_created ON diff_htmls(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_diff_contents_status_created ON diff_contents(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_client_sources_source ON client_sources(source_id, state);`,
	}

	for _, stmt := range statements {
		if _, err := d.db.Exec(stmt); err != nil {
			d.logger.Error().Err(err).Msg("DB: Failed to initialize schema")
			return err
		}
	}
	return nil
}

// formatTime renders times the way every table stores them.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// marshalStringList encodes string slices for the TEXT JSON-array columns.
// nil and empty both store as "[]" so readers never see SQL NULL.
func marshalStringList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStringList(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rowScanner lets the scan helpers work on both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}
