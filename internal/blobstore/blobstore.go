package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"

	"github.com/rs/zerolog"
)

// ErrNotExist is returned by Get and Delete when the key is absent,
// regardless of backend.
var ErrNotExist = common.NewError("blob does not exist")

// Content types for the two blob kinds the pipeline stores.
const (
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypeJPEG = "image/jpeg"
)

// Sides of a rendered diff pair.
const (
	SideOld = "old"
	SideNew = "new"
)

// Store is the blob backend shared by every job: captured HTML, page
// screenshots, and rendered diff screenshots all go through it.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// New selects the backend from config: "filesystem" for dev and tests,
// "gcs" in production.
func New(ctx context.Context, cfg *config.StorageConfig, logger zerolog.Logger) (Store, error) {
	if cfg == nil {
		return nil, common.NewValidationError("storage_config", cfg, "storage config cannot be nil")
	}

	switch cfg.BlobBackend {
	case "", "filesystem":
		return NewFilesystemStore(cfg.BlobRootDir, logger)
	case "gcs":
		return NewGCSStore(ctx, cfg, logger)
	}
	return nil, common.NewValidationError("blob_backend", cfg.BlobBackend, "must be filesystem or gcs")
}

// Key timestamp layouts. Snapshot blobs use year-first names so a source's
// directory lists chronologically; web-update image copies keep the
// day-first name their consumers expect.
const (
	snapshotTSLayout  = "2006-01-02-15-04-05"
	webUpdateTSLayout = "02-01-2006-15-04-05"
)

// SnapshotHTMLKey names the normalized HTML blob for one capture.
func SnapshotHTMLKey(sourceID int64, captureTS time.Time) string {
	return fmt.Sprintf("snapshots/%d/%s.html", sourceID, captureTS.UTC().Format(snapshotTSLayout))
}

// SnapshotScreenshotKey names the full-page screenshot for one capture.
func SnapshotScreenshotKey(sourceID int64, captureTS time.Time) string {
	return fmt.Sprintf("snapshots/%d/%s.jpeg", sourceID, captureTS.UTC().Format(snapshotTSLayout))
}

// DiffHTMLKey names one annotated side of a diff pair, keyed by the new
// snapshot since each snapshot yields at most one diff.
func DiffHTMLKey(side string, newSnapshotID int64) string {
	return fmt.Sprintf("diff/%s/%d.html", side, newSnapshotID)
}

// DiffScreenshotKey names one side of a rendered diff pair.
func DiffScreenshotKey(side string, diffContentID int64, captureTS time.Time) string {
	return fmt.Sprintf("diff/%s/%d/%s.jpeg", side, diffContentID, captureTS.UTC().Format(snapshotTSLayout))
}

// WebUpdateImageKey names the per-client copy of a diff screenshot made
// when a web update is emitted.
func WebUpdateImageKey(clientID, diffContentID int64, side string, at time.Time) string {
	return fmt.Sprintf("web_updates/%d/%d/%s/%s.jpeg", clientID, diffContentID, side, at.UTC().Format(webUpdateTSLayout))
}
