package domain

import (
	"time"
	"unicode/utf8"
)

// Column limits shared by the upload pipeline and the schema.
const (
	MaxStoredPathLen   = 260
	MaxOriginalNameLen = 120
	MaxContentTypeLen  = 80
)

// MediaFile is one stored blob and its registry row. The bytes at
// StoredPath and the row exist together or not at all.
type MediaFile struct {
	ID               int64     `json:"id"`
	OwnerID          string    `json:"owner_id"`
	StoredPath       string    `json:"stored_path"`
	OriginalFileName string    `json:"original_file_name"`
	ContentType      string    `json:"content_type"`
	SizeBytes        int64     `json:"size_bytes"`
	CreatedAt        time.Time `json:"created_at"`
}

// PortfolioMedia links a media file to an item at a zero-based position.
type PortfolioMedia struct {
	ID              int64     `json:"id"`
	PortfolioItemID int64     `json:"portfolio_item_id"`
	MediaFileID     int64     `json:"media_file_id"`
	SortOrder       int       `json:"sort_order"`
	Media           MediaFile `json:"media"`
}

// Clamp truncates s to at most n runes.
func Clamp(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
