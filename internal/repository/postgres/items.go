package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/portfoliohub/portfolio/internal/domain"
	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/pkg/database"
	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
)

const itemColumns = `id, owner_user_id, title, description, visibility, is_pinned, created_at, updated_at`

const (
	insertItemSQL = `
		INSERT INTO portfolio_items (owner_user_id, title, description, visibility, is_pinned, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	insertLinkSQL = `
		INSERT INTO portfolio_media (portfolio_item_id, media_file_id, sort_order)
		VALUES ($1, $2, $3)
		RETURNING id`

	selectItemSQL = `
		SELECT ` + itemColumns + `
		FROM portfolio_items
		WHERE id = $1 AND owner_user_id = $2`

	selectMediaForItemsSQL = `
		SELECT pm.id, pm.portfolio_item_id, pm.media_file_id, pm.sort_order,
			   mf.owner_user_id, mf.stored_path, mf.original_file_name, mf.content_type, mf.size_bytes, mf.created_at
		FROM portfolio_media pm
		JOIN media_files mf ON mf.id = pm.media_file_id
		WHERE pm.portfolio_item_id = ANY($1)
		ORDER BY pm.portfolio_item_id, pm.sort_order`

	updateItemSQL = `
		UPDATE portfolio_items
		SET title = $1, description = $2, visibility = $3, is_pinned = $4, updated_at = $5
		WHERE id = $6 AND owner_user_id = $7`

	deleteLinksSQL = `DELETE FROM portfolio_media WHERE portfolio_item_id = $1`

	deleteItemSQL = `DELETE FROM portfolio_items WHERE id = $1 AND owner_user_id = $2`

	selectItemIDsSQL = `SELECT id FROM portfolio_items WHERE owner_user_id = $1 ORDER BY id`
)

// ItemRepository implements repository.PortfolioStore.
type ItemRepository struct {
	db database.DBTX
}

// NewItemRepository creates an item repository over db.
func NewItemRepository(db database.DBTX) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create inserts the item row and sets item.ID.
func (r *ItemRepository) Create(ctx context.Context, item *domain.PortfolioItem) (err error) {
	ctx, end := database.TraceQuery(ctx, "InsertPortfolioItem", insertItemSQL)
	defer func() { end(err) }()

	err = r.db.QueryRow(ctx, insertItemSQL,
		item.OwnerID,
		item.Title,
		item.Description,
		string(item.Visibility),
		item.IsPinned,
		item.CreatedAt,
	).Scan(&item.ID)
	if err != nil {
		if database.IsCheckViolation(err) {
			return apperrors.InvalidInput("visibility is not valid")
		}
		return fmt.Errorf("insert portfolio item: %w", err)
	}
	return nil
}

// AttachMedia inserts a join row and sets link.ID.
func (r *ItemRepository) AttachMedia(ctx context.Context, link *domain.PortfolioMedia) (err error) {
	ctx, end := database.TraceQuery(ctx, "InsertPortfolioMedia", insertLinkSQL)
	defer func() { end(err) }()

	err = r.db.QueryRow(ctx, insertLinkSQL, link.PortfolioItemID, link.MediaFileID, link.SortOrder).Scan(&link.ID)
	if err != nil {
		if database.IsUniqueViolation(err) || database.IsForeignKeyViolation(err) {
			return fmt.Errorf("insert portfolio media: %w: %w", apperrors.ErrConflict, err)
		}
		return fmt.Errorf("insert portfolio media: %w", err)
	}
	return nil
}

// GetForOwner loads one item with its media.
func (r *ItemRepository) GetForOwner(ctx context.Context, ownerID string, id int64, forUpdate bool) (_ *domain.PortfolioItem, err error) {
	query := selectItemSQL
	if forUpdate {
		query += ` FOR UPDATE`
	}
	ctx, end := database.TraceQuery(ctx, "GetPortfolioItem", query)
	defer func() { end(err) }()

	item, err := scanItem(r.db.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("portfolio_item", strconv.FormatInt(id, 10))
		}
		return nil, fmt.Errorf("get portfolio item: %w", err)
	}

	items := []domain.PortfolioItem{*item}
	if err := r.loadMedia(ctx, items); err != nil {
		return nil, err
	}
	return &items[0], nil
}

// ListByOwner returns the owner's items newest first with their media.
func (r *ItemRepository) ListByOwner(ctx context.Context, ownerID string, filter repository.ListFilter) (_ []domain.PortfolioItem, err error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + itemColumns + ` FROM portfolio_items WHERE owner_user_id = $1`)
	if filter.PublicOnly {
		b.WriteString(` AND visibility = 'public'`)
	}
	b.WriteString(` ORDER BY created_at DESC, id DESC`)
	query := b.String()

	ctx, end := database.TraceQuery(ctx, "ListPortfolioItems", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list portfolio items: %w", err)
	}
	defer rows.Close()

	items := []domain.PortfolioItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan portfolio item row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate portfolio item rows: %w", err)
	}

	if err := r.loadMedia(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// ListIDsByOwner returns every item id of the owner in ascending order.
func (r *ItemRepository) ListIDsByOwner(ctx context.Context, ownerID string) (_ []int64, err error) {
	ctx, end := database.TraceQuery(ctx, "ListPortfolioItemIDs", selectItemIDsSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectItemIDsSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list portfolio item ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan portfolio item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate portfolio item ids: %w", err)
	}
	return ids, nil
}

// UpdateFields writes the editable columns of an owner's item.
func (r *ItemRepository) UpdateFields(ctx context.Context, item *domain.PortfolioItem) (err error) {
	ctx, end := database.TraceQuery(ctx, "UpdatePortfolioItem", updateItemSQL)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, updateItemSQL,
		item.Title,
		item.Description,
		string(item.Visibility),
		item.IsPinned,
		item.UpdatedAt,
		item.ID,
		item.OwnerID,
	)
	if err != nil {
		if database.IsCheckViolation(err) {
			return apperrors.InvalidInput("visibility is not valid")
		}
		return fmt.Errorf("update portfolio item: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("portfolio_item", strconv.FormatInt(item.ID, 10))
	}
	return nil
}

// DeleteMediaLinks removes the join rows of an item.
func (r *ItemRepository) DeleteMediaLinks(ctx context.Context, itemID int64) (_ int64, err error) {
	ctx, end := database.TraceQuery(ctx, "DeletePortfolioMedia", deleteLinksSQL)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, deleteLinksSQL, itemID)
	if err != nil {
		return 0, fmt.Errorf("delete portfolio media: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Delete removes an owner's item row.
func (r *ItemRepository) Delete(ctx context.Context, ownerID string, id int64) (err error) {
	ctx, end := database.TraceQuery(ctx, "DeletePortfolioItem", deleteItemSQL)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, deleteItemSQL, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete portfolio item: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("portfolio_item", strconv.FormatInt(id, 10))
	}
	return nil
}

// loadMedia fills Media for every item with one query.
func (r *ItemRepository) loadMedia(ctx context.Context, items []domain.PortfolioItem) error {
	if len(items) == 0 {
		return nil
	}

	ids := make([]int64, len(items))
	index := make(map[int64]int, len(items))
	for i := range items {
		ids[i] = items[i].ID
		index[items[i].ID] = i
		items[i].Media = []domain.PortfolioMedia{}
	}

	rows, err := r.db.Query(ctx, selectMediaForItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("load portfolio media: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pm domain.PortfolioMedia
		if err := rows.Scan(
			&pm.ID,
			&pm.PortfolioItemID,
			&pm.MediaFileID,
			&pm.SortOrder,
			&pm.Media.OwnerID,
			&pm.Media.StoredPath,
			&pm.Media.OriginalFileName,
			&pm.Media.ContentType,
			&pm.Media.SizeBytes,
			&pm.Media.CreatedAt,
		); err != nil {
			return fmt.Errorf("scan portfolio media row: %w", err)
		}
		pm.Media.ID = pm.MediaFileID

		i, ok := index[pm.PortfolioItemID]
		if !ok {
			continue
		}
		items[i].Media = append(items[i].Media, pm)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate portfolio media rows: %w", err)
	}
	return nil
}

func scanItem(row pgx.Row) (*domain.PortfolioItem, error) {
	var (
		item       domain.PortfolioItem
		visibility string
		updatedAt  *time.Time
	)
	if err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Title,
		&item.Description,
		&visibility,
		&item.IsPinned,
		&item.CreatedAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	item.Visibility = domain.Visibility(visibility)
	item.UpdatedAt = updatedAt
	return &item, nil
}
