package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// ErrDuplicate is returned by IdempotentHandler for an event that was
// already processed. The consumer commits it without retrying.
var ErrDuplicate = errors.New("duplicate event")

// Handler processes one event.
type Handler func(ctx context.Context, event *Event) error

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
	// MaxRetries is the number of handler attempts per message.
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 1 << 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// Consumer reads one topic in a consumer group and commits each message
// after it was handled, forwarded to the DLQ or found undecodable.
type Consumer struct {
	reader    messageReader
	cfg       ConsumerConfig
	handler   Handler
	dlq       *DLQProducer
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewConsumer creates a consumer. dlq may be nil, in which case exhausted
// messages are logged and skipped.
func NewConsumer(cfg ConsumerConfig, handler Handler, dlq *DLQProducer, logger *slog.Logger) *Consumer {
	cfg.applyDefaults()
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	return newConsumer(r, cfg, handler, dlq, logger)
}

func newConsumer(r messageReader, cfg ConsumerConfig, handler Handler, dlq *DLQProducer, logger *slog.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{reader: r, cfg: cfg, handler: handler, dlq: dlq, logger: logger}
}

// Start consumes until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.GroupID),
	)
	defer func() { _ = c.Close() }()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", slog.String("topic", c.cfg.Topic))
				return nil
			}
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.RetryBackoff):
			}
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to commit message", slog.String("error", err.Error()))
		}
	}
}

// process handles one message and commits it. An error is returned only when
// the message could not be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	messagesFetched.WithLabelValues(msg.Topic, c.cfg.GroupID).Inc()

	event, err := UnmarshalEvent(msg.Value)
	if err != nil {
		consumed(msg.Topic, c.cfg.GroupID, outcomeUndecodable)
		c.logger.Error("failed to decode event",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		c.deadLetter(ctx, msg, err)
		return c.commit(ctx, msg)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(&msg.Headers))

	start := time.Now()
	lastErr := c.handleWithRetry(ctx, event, msg)
	handleSeconds.WithLabelValues(msg.Topic, c.cfg.GroupID).Observe(time.Since(start).Seconds())

	switch {
	case lastErr == nil:
		consumed(msg.Topic, c.cfg.GroupID, outcomeProcessed)
	case errors.Is(lastErr, ErrDuplicate):
		consumed(msg.Topic, c.cfg.GroupID, outcomeDuplicate)
	case ctx.Err() != nil:
		// Leave the message uncommitted so the next member redelivers it.
		return ctx.Err()
	default:
		consumed(msg.Topic, c.cfg.GroupID, outcomeFailed)
		c.logger.Error("handler failed after all retries",
			slog.String("event_type", event.EventType),
			slog.String("aggregate_id", event.AggregateID),
			slog.Int64("offset", msg.Offset),
			slog.Int("retries", c.cfg.MaxRetries),
			slog.String("error", lastErr.Error()),
		)
		c.deadLetter(ctx, msg, lastErr)
	}
	return c.commit(ctx, msg)
}

func (c *Consumer) handleWithRetry(ctx context.Context, event *Event, msg kafka.Message) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		lastErr = c.handler(ctx, event)
		if lastErr == nil || errors.Is(lastErr, ErrDuplicate) {
			return lastErr
		}

		c.logger.Warn("handler failed",
			slog.String("event_type", event.EventType),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
		}
	}
	return lastErr
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.Publish(ctx, msg, cause, c.cfg.GroupID); err != nil {
		c.logger.Error("failed to dead-letter message", slog.String("error", err.Error()))
		return
	}
	consumed(msg.Topic, c.cfg.GroupID, outcomeDeadLettered)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Close closes the reader. It is safe to call more than once.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
