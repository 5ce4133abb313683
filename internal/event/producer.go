package event

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/portfoliohub/portfolio/internal/domain"
	pkgkafka "github.com/portfoliohub/portfolio/pkg/kafka"
	"github.com/portfoliohub/portfolio/pkg/logger"
)

// Topics published by the portfolio service.
var (
	TopicItemCreated = pkgkafka.Topic("item", "created")
	TopicItemDeleted = pkgkafka.Topic("item", "deleted")
)

// AggregateTypeItem is the aggregate type of item events.
const AggregateTypeItem = "portfolio_item"

// SourcePortfolioService identifies events originating from this service.
const SourcePortfolioService = "portfolio-service"

// ItemCreatedData is the payload of an item.created event.
type ItemCreatedData struct {
	ID         int64   `json:"id"`
	OwnerID    string  `json:"owner_id"`
	Title      string  `json:"title"`
	Visibility string  `json:"visibility"`
	IsPinned   bool    `json:"is_pinned"`
	MediaIDs   []int64 `json:"media_ids"`
}

// ItemDeletedData is the payload of an item.deleted event.
type ItemDeletedData struct {
	ID       int64   `json:"id"`
	OwnerID  string  `json:"owner_id"`
	MediaIDs []int64 `json:"media_ids"`
}

// Producer publishes item events. It implements service.EventPublisher.
type Producer struct {
	publisher pkgkafka.Publisher
	logger    *slog.Logger
}

// NewProducer creates an item event producer on top of publisher, usually
// a breaker-wrapped *pkgkafka.Producer.
func NewProducer(publisher pkgkafka.Publisher, logger *slog.Logger) *Producer {
	return &Producer{publisher: publisher, logger: logger}
}

// PublishItemCreated publishes an item.created event.
func (p *Producer) PublishItemCreated(ctx context.Context, item *domain.PortfolioItem) error {
	data := ItemCreatedData{
		ID:         item.ID,
		OwnerID:    item.OwnerID,
		Title:      item.Title,
		Visibility: string(item.Visibility),
		IsPinned:   item.IsPinned,
		MediaIDs:   item.MediaFileIDs(),
	}
	return p.publish(ctx, TopicItemCreated, item.ID, data)
}

// PublishItemDeleted publishes an item.deleted event.
func (p *Producer) PublishItemDeleted(ctx context.Context, item *domain.PortfolioItem) error {
	data := ItemDeletedData{
		ID:       item.ID,
		OwnerID:  item.OwnerID,
		MediaIDs: item.MediaFileIDs(),
	}
	return p.publish(ctx, TopicItemDeleted, item.ID, data)
}

func (p *Producer) publish(ctx context.Context, topic string, itemID int64, data any) error {
	id := strconv.FormatInt(itemID, 10)
	evt, err := pkgkafka.NewEvent(topic, id, AggregateTypeItem, SourcePortfolioService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if cid := logger.CorrelationIDFromContext(ctx); cid != "" {
		evt.WithCorrelationID(cid)
	}

	if err := p.publisher.Publish(ctx, topic, evt); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published item event",
		slog.String("topic", topic),
		slog.String("item_id", id),
		slog.String("event_id", evt.EventID),
	)
	return nil
}
