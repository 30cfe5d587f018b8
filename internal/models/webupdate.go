package models

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// WebUpdate is the per-client record emitted when a DiffContent is published.
// Hash is md5(title+description); (ClientID, Hash) is unique so the same
// textual update never reaches a client twice.
type WebUpdate struct {
	ID            int64     `json:"id"`
	ClientID      int64     `json:"client_id"`
	SourceID      int64     `json:"source_id"`
	DiffContentID int64     `json:"diff_content_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Hash          string    `json:"hash"`
	OldImageKey   string    `json:"old_image_key,omitempty"`
	NewImageKey   string    `json:"new_image_key,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// UpdateHash computes the dedup hash for a web update.
func UpdateHash(title, description string) string {
	sum := md5.Sum([]byte(title + description))
	return hex.EncodeToString(sum[:])
}
