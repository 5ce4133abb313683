package event

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/portfoliohub/portfolio/pkg/kafka"
	"github.com/portfoliohub/portfolio/pkg/logger"
)

// TopicUserDeleted is published by the identity service when an account is
// removed.
const TopicUserDeleted = "identity.user.deleted"

// ConsumerGroupID is the consumer group of the portfolio service.
const ConsumerGroupID = "portfolio-service"

// UserDeletedData is the payload of an identity user.deleted event.
type UserDeletedData struct {
	UserID string `json:"user_id"`
}

// OwnerPurger removes all works of an owner.
type OwnerPurger interface {
	PurgeOwner(ctx context.Context, ownerID string) (int, error)
}

// ConsumerHandler reacts to events from other services.
type ConsumerHandler struct {
	purger OwnerPurger
	logger *slog.Logger
}

// NewConsumerHandler creates a handler that purges the works of deleted
// users.
func NewConsumerHandler(purger OwnerPurger, logger *slog.Logger) *ConsumerHandler {
	return &ConsumerHandler{purger: purger, logger: logger}
}

// Handle routes an event by type. Unknown types are ignored.
func (h *ConsumerHandler) Handle(ctx context.Context, event *pkgkafka.Event) error {
	switch event.EventType {
	case TopicUserDeleted:
		return h.handleUserDeleted(ctx, event)
	default:
		h.logger.WarnContext(ctx, "unknown event type received",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
		)
		return nil
	}
}

func (h *ConsumerHandler) handleUserDeleted(ctx context.Context, event *pkgkafka.Event) error {
	var data UserDeletedData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("decode %s payload: %w", TopicUserDeleted, err)
	}
	ownerID := data.UserID
	if ownerID == "" {
		ownerID = event.AggregateID
	}
	if ownerID == "" {
		h.logger.WarnContext(ctx, "user.deleted event without user id",
			slog.String("event_id", event.EventID),
		)
		return nil
	}

	if event.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
	}
	n, err := h.purger.PurgeOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("purge works of user %s: %w", ownerID, err)
	}

	logger.WithContext(ctx, h.logger).InfoContext(ctx, "purged works of deleted user",
		slog.String("owner_id", ownerID),
		slog.String("event_id", event.EventID),
		slog.Int("items_deleted", n),
	)
	return nil
}

// NewUserDeletedConsumer builds the consumer of identity user.deleted
// events. store, when non-nil, makes redelivered events no-ops.
func NewUserDeletedConsumer(
	brokers []string,
	handler *ConsumerHandler,
	store pkgkafka.IdempotencyStore,
	dlq *pkgkafka.DLQProducer,
	logger *slog.Logger,
) *pkgkafka.Consumer {
	handle := handler.Handle
	if store != nil {
		handle = pkgkafka.IdempotentHandler(store, handle, logger)
	}
	cfg := pkgkafka.ConsumerConfig{
		Brokers: brokers,
		GroupID: ConsumerGroupID,
		Topic:   TopicUserDeleted,
	}
	return pkgkafka.NewConsumer(cfg, handle, dlq, logger)
}
