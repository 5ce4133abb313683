package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
	"github.com/portfoliohub/portfolio/pkg/logger"
)

// DeleteItem removes an owner's item, its links and its media rows in one
// transaction, then deletes the blobs. Blob failures are logged and never
// reported: the committed rows are authoritative. An item that does not
// exist or belongs to someone else yields NotFound.
func (s *WorksService) DeleteItem(ctx context.Context, ownerID string, itemID int64) (err error) {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	ctx = logger.WithOwnerID(ctx, ownerID)
	ctx, span := tracer.Start(ctx, "WorksService.DeleteItem",
		trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	// Loading: the row lock makes a concurrent delete wait and then miss.
	item, err := tx.Items().GetForOwner(ctx, ownerID, itemID, true)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	// Removing: children before parent.
	if _, err = tx.Items().DeleteMediaLinks(ctx, item.ID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if _, err = tx.Media().DeleteByIDs(ctx, item.MediaFileIDs()); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if err = tx.Items().Delete(ctx, ownerID, item.ID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if err = commit(ctx, tx); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	committed = true
	itemsDeletedTotal.Inc()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	failed := s.removeBlobs(cleanupCtx, item.StoredPaths(), "delete")

	log := logger.WithContext(ctx, s.logger)
	log.InfoContext(ctx, "portfolio item deleted",
		slog.Int64("item_id", item.ID),
		slog.Int("media_removed", len(item.Media)),
		slog.Int("blob_failures", failed),
	)

	s.cache.Invalidate(context.WithoutCancel(ctx), ownerID)
	if err := s.events.PublishItemDeleted(ctx, item); err != nil {
		log.ErrorContext(ctx, "failed to publish item deleted event",
			slog.Int64("item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// PurgeOwner deletes every item of ownerID through DeleteItem and returns
// how many were removed. Items deleted concurrently are skipped. All items
// are attempted even when some fail.
func (s *WorksService) PurgeOwner(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, apperrors.InvalidInput("owner id is required")
	}
	ids, err := s.store.Items().ListIDsByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("purge owner: %w", err)
	}

	deleted := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := s.DeleteItem(ctx, ownerID, id)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, apperrors.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("item %d: %w", id, err))
		}
	}

	logger.WithContext(ctx, s.logger).InfoContext(ctx, "owner purged",
		slog.String("owner_id", ownerID),
		slog.Int("items_found", len(ids)),
		slog.Int("items_deleted", deleted),
		slog.Int("failures", len(errs)),
	)
	if len(errs) > 0 {
		return deleted, fmt.Errorf("purge owner: %w", errors.Join(errs...))
	}
	return deleted, nil
}
