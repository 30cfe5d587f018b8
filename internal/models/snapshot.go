package models

import "time"

// SnapshotStatus tracks a snapshot through the diff pipeline.
type SnapshotStatus string

const (
	SnapshotStatusDraft       SnapshotStatus = "draft"
	SnapshotStatusProcessed   SnapshotStatus = "processed"
	SnapshotStatusFailed      SnapshotStatus = "failed"
	SnapshotStatusDiffTimeout SnapshotStatus = "diff_timeout"
)

// Snapshot is one captured rendering of a source. HashHTML is the md5
// fingerprint of the normalized markup and is unique across all snapshots.
type Snapshot struct {
	ID                int64          `json:"id"`
	SourceID          int64          `json:"source_id"`
	CaptureTS         time.Time      `json:"capture_ts"`
	Status            SnapshotStatus `json:"status"`
	HashHTML          string         `json:"hash_html"`
	HTMLBlobKey       string         `json:"html_blob_key"`
	ScreenshotBlobKey string         `json:"screenshot_blob_key,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the snapshot has left the draft state.
func (s *Snapshot) IsTerminal() bool {
	return s.Status != SnapshotStatusDraft
}

// CanTransitionTo enforces the snapshot state machine: draft moves to
// processed, failed, or diff_timeout and nothing moves back.
func (s *Snapshot) CanTransitionTo(next SnapshotStatus) bool {
	if s.Status != SnapshotStatusDraft {
		return false
	}
	switch next {
	case SnapshotStatusProcessed, SnapshotStatusFailed, SnapshotStatusDiffTimeout:
		return true
	}
	return false
}
