package archiver

import (
	"os"
	"path/filepath"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/models"

	"github.com/parquet-go/parquet-go"
)

// auditRecord is one row of the pre-deletion audit trail. Everything needed
// to answer "what did the archiver remove and why" months later.
type auditRecord struct {
	DiffContentID    int64  `parquet:"diff_content_id"`
	OldSnapshotID    int64  `parquet:"old_snapshot_id"`
	NewSnapshotID    int64  `parquet:"new_snapshot_id"`
	Status           string `parquet:"status"`
	Degraded         bool   `parquet:"degraded"`
	OldHTMLBlobKey   string `parquet:"old_html_blob_key"`
	NewHTMLBlobKey   string `parquet:"new_html_blob_key"`
	OldScreenshotKey string `parquet:"old_screenshot_key"`
	NewScreenshotKey string `parquet:"new_screenshot_key"`
	CreatedAt        string `parquet:"created_at"`
	Cutoff           string `parquet:"cutoff"`
	ArchivedAt       string `parquet:"archived_at"`
}

// writeAudit persists the candidate list as a parquet file before anything
// is deleted, and returns the file's path.
func writeAudit(dir string, cutoff time.Time, candidates []models.DiffContent) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", common.WrapError(err, "failed to create audit dir")
	}

	now := time.Now()
	path := filepath.Join(dir, "archive-audit-"+now.UTC().Format("2006-01-02-15-04-05")+".parquet")
	file, err := os.Create(path)
	if err != nil {
		return "", common.WrapError(err, "failed to create audit file")
	}
	defer file.Close()

	records := make([]auditRecord, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, auditRecord{
			DiffContentID:    c.ID,
			OldSnapshotID:    c.OldSnapshotID,
			NewSnapshotID:    c.NewSnapshotID,
			Status:           string(c.Status),
			Degraded:         c.Degraded,
			OldHTMLBlobKey:   c.OldHTMLBlobKey,
			NewHTMLBlobKey:   c.NewHTMLBlobKey,
			OldScreenshotKey: c.OldScreenshotKey,
			NewScreenshotKey: c.NewScreenshotKey,
			CreatedAt:        c.CreatedAt.UTC().Format(time.RFC3339),
			Cutoff:           cutoff.UTC().Format(time.RFC3339),
			ArchivedAt:       now.UTC().Format(time.RFC3339),
		})
	}

	writer := parquet.NewGenericWriter[auditRecord](file)
	if _, err := writer.Write(records); err != nil {
		writer.Close()
		return "", common.WrapError(err, "failed to write audit rows")
	}
	if err := writer.Close(); err != nil {
		return "", common.WrapError(err, "failed to finalize audit file")
	}
	return path, nil
}
