package http

import (
	"strconv"
	"time"

	"github.com/portfoliohub/portfolio/internal/domain"
)

// mediaURLPrefix is where OpenMedia is served.
const mediaURLPrefix = "/api/v1/media/"

// updateItemRequest is the JSON body of PUT /api/v1/works/{id}. It replaces
// all editable fields.
type updateItemRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
	IsPinned    bool   `json:"is_pinned"`
}

type mediaResponse struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SortOrder   int    `json:"sort_order"`
}

type itemResponse struct {
	ID          int64           `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Visibility  string          `json:"visibility"`
	IsPinned    bool            `json:"is_pinned"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	Media       []mediaResponse `json:"media"`
}

type createItemResponse struct {
	Item     itemResponse      `json:"item"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

type publicPortfolioResponse struct {
	Pinned []itemResponse `json:"pinned"`
	Works  []itemResponse `json:"works"`
}

// Stored paths stay server-side; clients only see media URLs.
func toItemResponse(item *domain.PortfolioItem) itemResponse {
	media := make([]mediaResponse, 0, len(item.Media))
	for _, m := range item.Media {
		media = append(media, mediaResponse{
			ID:          m.MediaFileID,
			URL:         mediaURLPrefix + strconv.FormatInt(m.MediaFileID, 10),
			FileName:    m.Media.OriginalFileName,
			ContentType: m.Media.ContentType,
			SizeBytes:   m.Media.SizeBytes,
			SortOrder:   m.SortOrder,
		})
	}
	return itemResponse{
		ID:          item.ID,
		OwnerID:     item.OwnerID,
		Title:       item.Title,
		Description: item.Description,
		Visibility:  string(item.Visibility),
		IsPinned:    item.IsPinned,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
		Media:       media,
	}
}

func toItemResponses(items []domain.PortfolioItem) []itemResponse {
	out := make([]itemResponse, 0, len(items))
	for i := range items {
		out = append(out, toItemResponse(&items[i]))
	}
	return out
}
