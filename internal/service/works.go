// Package service implements the portfolio works use cases. Creating an
// item writes its images and database rows as one unit: either everything
// is committed or the rows are rolled back and the written files removed.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/portfoliohub/portfolio/internal/domain"
	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/internal/storage"
	"github.com/portfoliohub/portfolio/internal/upload"
	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
	"github.com/portfoliohub/portfolio/pkg/logger"
	"github.com/portfoliohub/portfolio/pkg/validator"
)

var tracer = otel.Tracer("github.com/portfoliohub/portfolio/internal/service")

// cleanupTimeout bounds best-effort blob removal once the request context
// has been detached.
const cleanupTimeout = 30 * time.Second

// commitTimeout bounds a commit that no longer follows the request context.
const commitTimeout = 15 * time.Second

// commit finishes tx on a context detached from the caller, so a client
// that goes away after the last statement cannot fail the commit.
func commit(ctx context.Context, tx repository.Tx) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	return tx.Commit(commitCtx)
}

// EventPublisher announces committed changes. Failures are logged by the
// caller and never undo a commit.
type EventPublisher interface {
	PublishItemCreated(ctx context.Context, item *domain.PortfolioItem) error
	PublishItemDeleted(ctx context.Context, item *domain.PortfolioItem) error
}

// ItemCache caches read models per owner. Misses and cache errors look the
// same to the service.
type ItemCache interface {
	GetOwnerItems(ctx context.Context, ownerID string) ([]domain.PortfolioItem, bool)
	SetOwnerItems(ctx context.Context, ownerID string, items []domain.PortfolioItem)
	GetPublicItems(ctx context.Context, ownerID string) (*domain.PublicPortfolio, bool)
	SetPublicItems(ctx context.Context, ownerID string, pp *domain.PublicPortfolio)
	Invalidate(ctx context.Context, ownerID string)
}

// WorksService coordinates the upload validator, blob store and
// repositories.
type WorksService struct {
	store         repository.Store
	blobs         storage.Storage
	policy        upload.Policy
	strictUploads bool
	events        EventPublisher
	cache         ItemCache
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a WorksService.
type Option func(*WorksService)

// WithEvents publishes item events after commit.
func WithEvents(p EventPublisher) Option {
	return func(s *WorksService) {
		if p != nil {
			s.events = p
		}
	}
}

// WithCache serves list reads from c and invalidates it after writes.
func WithCache(c ItemCache) Option {
	return func(s *WorksService) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithStrictUploads rejects the whole attempt when any image is rejected,
// instead of saving the item with the accepted images only.
func WithStrictUploads(strict bool) Option {
	return func(s *WorksService) { s.strictUploads = strict }
}

// WithPolicy overrides the upload policy.
func WithPolicy(p upload.Policy) Option {
	return func(s *WorksService) { s.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *WorksService) { s.now = now }
}

// NewWorksService creates the service.
func NewWorksService(store repository.Store, blobs storage.Storage, logger *slog.Logger, opts ...Option) *WorksService {
	s := &WorksService{
		store:  store,
		blobs:  blobs,
		policy: upload.DefaultPolicy(),
		events: noopEvents{},
		cache:  noopCache{},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemFields are the editable metadata of an item.
type ItemFields struct {
	Title       string
	Description string
	// Visibility is one of public, unlisted, private. Empty means public.
	Visibility string
	IsPinned   bool
}

// CreateItemInput is an item plus its image candidates in submission order.
type CreateItemInput struct {
	ItemFields
	Images []upload.Candidate
}

// CreateItemResult is a committed item. Rejected maps "images[i]" to the
// reason an image was left out.
type CreateItemResult struct {
	Item     *domain.PortfolioItem
	Rejected map[string]string
}

// MediaContent is an opened blob. The caller must close Body.
type MediaContent struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	FileName    string
}

// normalizedFields is validated after trimming.
type normalizedFields struct {
	Title       string `json:"title" validate:"notblank,maxrunes=120"`
	Description string `json:"description" validate:"maxrunes=3000"`
	Visibility  string `json:"visibility" validate:"oneof=public unlisted private"`
}

func normalize(in ItemFields) (normalizedFields, map[string]string) {
	f := normalizedFields{
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Visibility:  strings.ToLower(strings.TrimSpace(in.Visibility)),
	}
	if f.Visibility == "" {
		f.Visibility = string(domain.VisibilityPublic)
	}

	err := validator.Validate(f)
	if err == nil {
		return f, nil
	}
	var ve *validator.ValidationError
	if errors.As(err, &ve) {
		return f, ve.Fields()
	}
	return f, map[string]string{"item": err.Error()}
}

func requireOwner(ownerID string) error {
	if ownerID == "" {
		return apperrors.Unauthorized("authentication required")
	}
	return nil
}

// GetItem returns one of the owner's items with its media.
func (s *WorksService) GetItem(ctx context.Context, ownerID string, itemID int64) (*domain.PortfolioItem, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	item, err := s.store.Items().GetForOwner(ctx, ownerID, itemID, false)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems returns the owner's items newest first.
func (s *WorksService) ListItems(ctx context.Context, ownerID string) ([]domain.PortfolioItem, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if items, ok := s.cache.GetOwnerItems(ctx, ownerID); ok {
		return items, nil
	}

	items, err := s.store.Items().ListByOwner(ctx, ownerID, repository.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	s.cache.SetOwnerItems(ctx, ownerID, items)
	return items, nil
}

// ListPublicItems returns the owner's public items for their profile page.
// No caller identity is needed.
func (s *WorksService) ListPublicItems(ctx context.Context, ownerID string) (*domain.PublicPortfolio, error) {
	if ownerID == "" {
		return nil, apperrors.InvalidInput("owner id is required")
	}
	if pp, ok := s.cache.GetPublicItems(ctx, ownerID); ok {
		return pp, nil
	}

	items, err := s.store.Items().ListByOwner(ctx, ownerID, repository.ListFilter{PublicOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list public items: %w", err)
	}
	pp := domain.NewPublicPortfolio(items)
	s.cache.SetPublicItems(ctx, ownerID, pp)
	return pp, nil
}

// UpdateItemFields changes an item's metadata. Media are never touched.
func (s *WorksService) UpdateItemFields(ctx context.Context, ownerID string, itemID int64, in ItemFields) (_ *domain.PortfolioItem, err error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	f, fieldErrs := normalize(in)
	if len(fieldErrs) > 0 {
		return nil, apperrors.Validation(fieldErrs)
	}

	ctx, span := tracer.Start(ctx, "WorksService.UpdateItemFields",
		trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	item, err := tx.Items().GetForOwner(ctx, ownerID, itemID, true)
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}

	now := s.now()
	item.Title = f.Title
	item.Description = f.Description
	item.Visibility = domain.Visibility(f.Visibility)
	item.IsPinned = in.IsPinned
	item.UpdatedAt = &now

	if err = tx.Items().UpdateFields(ctx, item); err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}

	s.cache.Invalidate(ctx, ownerID)
	logger.WithContext(ctx, s.logger).InfoContext(ctx, "portfolio item updated",
		slog.Int64("item_id", item.ID),
		slog.String("visibility", string(item.Visibility)),
	)
	return item, nil
}

// OpenMedia opens the bytes of a media file. Media of public and unlisted
// items are readable by anyone; media of private items only by the owner.
// callerID may be empty.
func (s *WorksService) OpenMedia(ctx context.Context, callerID string, mediaID int64) (*MediaContent, error) {
	am, err := s.store.Media().GetAttached(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	if !am.Visibility.Linkable() && am.ItemOwnerID != callerID {
		return nil, apperrors.NotFound("media_file", strconv.FormatInt(mediaID, 10))
	}

	body, err := s.blobs.Open(ctx, am.File.StoredPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.WithContext(ctx, s.logger).WarnContext(ctx, "media row has no blob",
				slog.Int64("media_id", mediaID),
				slog.String("stored_path", am.File.StoredPath),
			)
			return nil, apperrors.NotFound("media_file", strconv.FormatInt(mediaID, 10))
		}
		return nil, fmt.Errorf("open media: %w", err)
	}

	return &MediaContent{
		Body:        body,
		ContentType: am.File.ContentType,
		Size:        am.File.SizeBytes,
		FileName:    am.File.OriginalFileName,
	}, nil
}

type noopEvents struct{}

func (noopEvents) PublishItemCreated(context.Context, *domain.PortfolioItem) error { return nil }
func (noopEvents) PublishItemDeleted(context.Context, *domain.PortfolioItem) error { return nil }

type noopCache struct{}

func (noopCache) GetOwnerItems(context.Context, string) ([]domain.PortfolioItem, bool) {
	return nil, false
}
func (noopCache) SetOwnerItems(context.Context, string, []domain.PortfolioItem) {}
func (noopCache) GetPublicItems(context.Context, string) (*domain.PublicPortfolio, bool) {
	return nil, false
}
func (noopCache) SetPublicItems(context.Context, string, *domain.PublicPortfolio) {}
func (noopCache) Invalidate(context.Context, string)                              {}
