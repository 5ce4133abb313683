// Package domain holds the portfolio item aggregate and its media.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Item field limits.
const (
	MaxTitleLen       = 120
	MaxDescriptionLen = 3000
	// MaxMediaPerItem caps the attachments of one item.
	MaxMediaPerItem = 5
)

// Visibility controls who can see an item.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// ParseVisibility accepts the visibility names case-insensitively. An empty
// string yields Public.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return v, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// Linkable reports whether anyone holding a media link may fetch the bytes.
func (v Visibility) Linkable() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted
}

// PortfolioItem is the aggregate root. Media is ordered by SortOrder and
// is fully loaded whenever an item is returned by a repository.
type PortfolioItem struct {
	ID          int64            `json:"id"`
	OwnerID     string           `json:"owner_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Visibility  Visibility       `json:"visibility"`
	IsPinned    bool             `json:"is_pinned"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   *time.Time       `json:"updated_at,omitempty"`
	Media       []PortfolioMedia `json:"media"`
}

// StoredPaths returns the blob paths of the item's media in order.
func (p *PortfolioItem) StoredPaths() []string {
	paths := make([]string, 0, len(p.Media))
	for _, m := range p.Media {
		paths = append(paths, m.Media.StoredPath)
	}
	return paths
}

// MediaFileIDs returns the media file ids of the item in order.
func (p *PortfolioItem) MediaFileIDs() []int64 {
	ids := make([]int64, 0, len(p.Media))
	for _, m := range p.Media {
		ids = append(ids, m.MediaFileID)
	}
	return ids
}

// PublicPortfolio is what visitors see on an owner's profile. Both lists
// hold public items only, newest first.
type PublicPortfolio struct {
	Pinned []PortfolioItem `json:"pinned"`
	Works  []PortfolioItem `json:"works"`
}

// NewPublicPortfolio splits public items into the pinned subset and the
// full list.
func NewPublicPortfolio(items []PortfolioItem) *PublicPortfolio {
	pp := &PublicPortfolio{Pinned: []PortfolioItem{}, Works: items}
	if pp.Works == nil {
		pp.Works = []PortfolioItem{}
	}
	for _, it := range items {
		if it.IsPinned {
			pp.Pinned = append(pp.Pinned, it)
		}
	}
	return pp
}
