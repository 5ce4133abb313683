package service

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/portfoliohub/portfolio/internal/domain"
	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/internal/storage"
	"github.com/portfoliohub/portfolio/internal/upload"
	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
	"github.com/portfoliohub/portfolio/pkg/logger"
)

// acceptedImage is a candidate that passed classification, with its
// position among the submitted images.
type acceptedImage struct {
	index     int
	candidate upload.Candidate
	decision  upload.Decision
}

// CreateItem validates the input, writes every accepted image and inserts
// the item, media and link rows in one transaction. Any failure after the
// transaction opens rolls it back, removes the images written so far and
// returns OperationFailed.
func (s *WorksService) CreateItem(ctx context.Context, ownerID string, in CreateItemInput) (*CreateItemResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx = logger.WithOwnerID(ctx, ownerID)
	ctx, span := tracer.Start(ctx, "WorksService.CreateItem")
	defer span.End()
	span.SetAttributes(attribute.Int("images.submitted", len(in.Images)))

	finish := func(outcome string) {
		createAttemptsTotal.WithLabelValues(outcome).Inc()
		createAttemptDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("attempt.outcome", outcome))
	}

	// Validating: nothing is written until every check has passed.
	f, fieldErrs := normalize(in.ItemFields)
	if fieldErrs == nil {
		fieldErrs = map[string]string{}
	}
	if err := s.policy.CheckCount(len(in.Images)); err != nil {
		fieldErrs["images"] = fmt.Sprintf("at most %d images can be uploaded", s.policy.MaxCount)
		finish(outcomeRejected)
		return nil, apperrors.Validation(fieldErrs)
	}

	accepted, rejected := s.classify(in.Images)
	if len(fieldErrs) > 0 || (s.strictUploads && len(rejected) > 0) {
		maps.Copy(fieldErrs, rejected)
		finish(outcomeRejected)
		return nil, apperrors.Validation(fieldErrs)
	}

	item := &domain.PortfolioItem{
		OwnerID:     ownerID,
		Title:       f.Title,
		Description: f.Description,
		Visibility:  domain.Visibility(f.Visibility),
		IsPinned:    in.IsPinned,
		CreatedAt:   s.now(),
		Media:       []domain.PortfolioMedia{},
	}

	if err := s.persist(ctx, item, accepted); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create aborted")
		finish(outcomeAborted)
		return nil, err
	}
	finish(outcomeCommitted)

	log := logger.WithContext(ctx, s.logger)
	log.InfoContext(ctx, "portfolio item created",
		slog.Int64("item_id", item.ID),
		slog.Int("images_attached", len(item.Media)),
		slog.Int("images_rejected", len(rejected)),
	)

	s.cache.Invalidate(context.WithoutCancel(ctx), ownerID)
	if err := s.events.PublishItemCreated(ctx, item); err != nil {
		log.ErrorContext(ctx, "failed to publish item created event",
			slog.Int64("item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}

	return &CreateItemResult{Item: item, Rejected: rejected}, nil
}

// classify splits candidates into accepted images, in submission order, and
// rejection messages keyed by field name. Empty slots are dropped.
func (s *WorksService) classify(candidates []upload.Candidate) ([]acceptedImage, map[string]string) {
	accepted := make([]acceptedImage, 0, len(candidates))
	rejected := map[string]string{}
	for i, c := range candidates {
		d := s.policy.Classify(c)
		imagesClassifiedTotal.WithLabelValues(d.Outcome.String()).Inc()
		switch d.Outcome {
		case upload.Accepted:
			accepted = append(accepted, acceptedImage{index: i, candidate: c, decision: d})
		case upload.Rejected:
			rejected[fmt.Sprintf("images[%d]", i)] = d.Message
		}
	}
	return accepted, rejected
}

// persist runs the Writing and Persisting phases. On failure the returned
// error is always an OperationFailed AppError and cleanup has already run.
func (s *WorksService) persist(ctx context.Context, item *domain.PortfolioItem, images []acceptedImage) error {
	var written []string

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return s.abort(ctx, nil, written, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = s.abort(ctx, tx, written, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	if err := tx.Items().Create(ctx, item); err != nil {
		return s.abort(ctx, tx, written, err)
	}

	for order, img := range images {
		res, err := s.blobs.Upload(ctx, &storage.UploadInput{
			Scope:       storage.WorksScope,
			Extension:   img.decision.Extension,
			ContentType: img.decision.ContentType,
			Size:        img.candidate.Size,
			Data:        img.candidate.Data,
		})
		if err != nil {
			return s.abort(ctx, tx, written, fmt.Errorf("write images[%d]: %w", img.index, err))
		}
		// Tracked before the insert so a failing insert still removes it.
		written = append(written, res.Key)

		file := domain.MediaFile{
			OwnerID:          item.OwnerID,
			StoredPath:       res.Key,
			OriginalFileName: upload.OriginalName(img.candidate.FileName),
			ContentType:      img.decision.ContentType,
			SizeBytes:        res.Size,
			CreatedAt:        s.now(),
		}
		if err := tx.Media().Create(ctx, &file); err != nil {
			return s.abort(ctx, tx, written, err)
		}

		link := domain.PortfolioMedia{
			PortfolioItemID: item.ID,
			MediaFileID:     file.ID,
			SortOrder:       order,
			Media:           file,
		}
		if err := tx.Items().AttachMedia(ctx, &link); err != nil {
			return s.abort(ctx, tx, written, err)
		}
		item.Media = append(item.Media, link)
	}

	if err := commit(ctx, tx); err != nil {
		return s.abort(ctx, tx, written, err)
	}
	return nil
}

// abort rolls back tx and removes written blobs. It runs on a context
// detached from the request so cancellation cannot skip the cleanup.
func (s *WorksService) abort(ctx context.Context, tx repository.Tx, written []string, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	log := logger.WithContext(ctx, s.logger)
	if tx != nil {
		if err := tx.Rollback(cleanupCtx); err != nil {
			log.WarnContext(ctx, "rollback failed", slog.String("error", err.Error()))
		}
	}
	failed := s.removeBlobs(cleanupCtx, written, "create_abort")

	log.ErrorContext(ctx, "create attempt aborted",
		slog.Int("files_written", len(written)),
		slog.Int("cleanup_failures", failed),
		slog.String("error", cause.Error()),
	)
	return apperrors.OperationFailed(cause)
}

// removeBlobs deletes each path independently and returns how many could
// not be deleted. Failures are logged only.
func (s *WorksService) removeBlobs(ctx context.Context, paths []string, flow string) int {
	failed := 0
	for _, p := range paths {
		if err := s.blobs.Delete(ctx, p); err != nil {
			failed++
			blobCleanupTotal.WithLabelValues(flow, "failed").Inc()
			logger.WithContext(ctx, s.logger).WarnContext(ctx, "failed to delete blob",
				slog.String("flow", flow),
				slog.String("stored_path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		blobCleanupTotal.WithLabelValues(flow, "deleted").Inc()
	}
	return failed
}
