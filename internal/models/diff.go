package models

import "time"

// DiffHtmlStatus tracks a rendered diff pair through screenshotting.
type DiffHtmlStatus string

const (
	DiffHtmlStatusDraft     DiffHtmlStatus = "draft"
	DiffHtmlStatusProcessed DiffHtmlStatus = "processed"
	DiffHtmlStatusFailed    DiffHtmlStatus = "failed"
)

// DiffContentStatus tracks a publishable diff through curation.
type DiffContentStatus string

const (
	DiffContentStatusPending   DiffContentStatus = "pending"
	DiffContentStatusPublished DiffContentStatus = "published"
	DiffContentStatusRejected  DiffContentStatus = "rejected"
)

// ChangeSummary holds the visible text fragments, image sources, and link
// targets that appeared on one side of a diff.
type ChangeSummary struct {
	Text   []string `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
	Links  []string `json:"links,omitempty"`
}

// IsEmpty reports whether the summary carries no visible change at all.
func (c ChangeSummary) IsEmpty() bool {
	return len(c.Text) == 0 && len(c.Images) == 0 && len(c.Links) == 0
}

// DiffHtml is the annotated old/new HTML pair produced by the snapshot
// processor. NewSnapshotID is unique: each snapshot yields at most one diff.
type DiffHtml struct {
	ID             int64          `json:"id"`
	OldSnapshotID  int64          `json:"old_snapshot_id"`
	NewSnapshotID  int64          `json:"new_snapshot_id"`
	OldHTMLBlobKey string         `json:"old_html_blob_key"`
	NewHTMLBlobKey string         `json:"new_html_blob_key"`
	Added          ChangeSummary  `json:"added"`
	Removed        ChangeSummary  `json:"removed"`
	Status         DiffHtmlStatus `json:"status"`
	State          SourceState    `json:"state"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DiffContent is the publishable result of rendering a DiffHtml: the HTML
// pair plus side-by-side screenshots. Degraded records carry no screenshots
// and exist only when the summaries are non-empty.
type DiffContent struct {
	ID               int64             `json:"id"`
	OldSnapshotID    int64             `json:"old_snapshot_id"`
	NewSnapshotID    int64             `json:"new_snapshot_id"`
	OldHTMLBlobKey   string            `json:"old_html_blob_key"`
	NewHTMLBlobKey   string            `json:"new_html_blob_key"`
	OldScreenshotKey string            `json:"old_screenshot_key,omitempty"`
	NewScreenshotKey string            `json:"new_screenshot_key,omitempty"`
	Added            ChangeSummary     `json:"added"`
	Removed          ChangeSummary     `json:"removed"`
	Status           DiffContentStatus `json:"status"`
	State            SourceState       `json:"state"`
	Degraded         bool              `json:"degraded"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
