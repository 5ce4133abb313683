package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/portfoliohub/portfolio/internal/domain"
	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/pkg/database"
	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
)

const (
	insertMediaSQL = `
		INSERT INTO media_files (owner_user_id, stored_path, original_file_name, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	deleteMediaSQL = `DELETE FROM media_files WHERE id = ANY($1)`

	selectAttachedSQL = `
		SELECT mf.id, mf.owner_user_id, mf.stored_path, mf.original_file_name, mf.content_type, mf.size_bytes, mf.created_at,
			   pi.id, pi.owner_user_id, pi.visibility
		FROM media_files mf
		JOIN portfolio_media pm ON pm.media_file_id = mf.id
		JOIN portfolio_items pi ON pi.id = pm.portfolio_item_id
		WHERE mf.id = $1`

	selectExistingPathsSQL = `SELECT stored_path FROM media_files WHERE stored_path = ANY($1)`

	selectRefsSQL = `SELECT id, stored_path FROM media_files WHERE id > $1 ORDER BY id LIMIT $2`
)

// MediaRepository implements repository.MediaRegistry.
type MediaRepository struct {
	db database.DBTX
}

// NewMediaRepository creates a media registry over db.
func NewMediaRepository(db database.DBTX) *MediaRepository {
	return &MediaRepository{db: db}
}

// Create inserts the media row and sets file.ID.
func (r *MediaRepository) Create(ctx context.Context, file *domain.MediaFile) (err error) {
	ctx, end := database.TraceQuery(ctx, "InsertMediaFile", insertMediaSQL)
	defer func() { end(err) }()

	err = r.db.QueryRow(ctx, insertMediaSQL,
		file.OwnerID,
		file.StoredPath,
		file.OriginalFileName,
		file.ContentType,
		file.SizeBytes,
		file.CreatedAt,
	).Scan(&file.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("insert media file %s: %w: %w", file.StoredPath, apperrors.ErrConflict, err)
		}
		return fmt.Errorf("insert media file: %w", err)
	}
	return nil
}

// DeleteByIDs removes media rows by id.
func (r *MediaRepository) DeleteByIDs(ctx context.Context, ids []int64) (_ int64, err error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, end := database.TraceQuery(ctx, "DeleteMediaFiles", deleteMediaSQL)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, deleteMediaSQL, ids)
	if err != nil {
		return 0, fmt.Errorf("delete media files: %w", err)
	}
	return ct.RowsAffected(), nil
}

// GetAttached loads a media row with the item that shows it.
func (r *MediaRepository) GetAttached(ctx context.Context, mediaID int64) (_ *repository.AttachedMedia, err error) {
	ctx, end := database.TraceQuery(ctx, "GetAttachedMedia", selectAttachedSQL)
	defer func() { end(err) }()

	var (
		am         repository.AttachedMedia
		visibility string
	)
	err = r.db.QueryRow(ctx, selectAttachedSQL, mediaID).Scan(
		&am.File.ID,
		&am.File.OwnerID,
		&am.File.StoredPath,
		&am.File.OriginalFileName,
		&am.File.ContentType,
		&am.File.SizeBytes,
		&am.File.CreatedAt,
		&am.ItemID,
		&am.ItemOwnerID,
		&visibility,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("media_file", strconv.FormatInt(mediaID, 10))
		}
		return nil, fmt.Errorf("get media file: %w", err)
	}
	am.Visibility = domain.Visibility(visibility)
	return &am, nil
}

// ExistingPaths returns which of paths have a media row.
func (r *MediaRepository) ExistingPaths(ctx context.Context, paths []string) (_ map[string]bool, err error) {
	found := make(map[string]bool, len(paths))
	if len(paths) == 0 {
		return found, nil
	}
	ctx, end := database.TraceQuery(ctx, "SelectMediaPaths", selectExistingPathsSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectExistingPathsSQL, paths)
	if err != nil {
		return nil, fmt.Errorf("select media paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan media path: %w", err)
		}
		found[p] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media paths: %w", err)
	}
	return found, nil
}

// ListRefs returns up to limit rows with id greater than afterID.
func (r *MediaRepository) ListRefs(ctx context.Context, afterID int64, limit int) (_ []repository.StoredRef, err error) {
	ctx, end := database.TraceQuery(ctx, "ListMediaRefs", selectRefsSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectRefsSQL, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list media refs: %w", err)
	}
	defer rows.Close()

	var refs []repository.StoredRef
	for rows.Next() {
		var ref repository.StoredRef
		if err := rows.Scan(&ref.ID, &ref.StoredPath); err != nil {
			return nil, fmt.Errorf("scan media ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media refs: %w", err)
	}
	return refs, nil
}
