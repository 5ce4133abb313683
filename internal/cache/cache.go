// Package cache keeps per-owner portfolio listings in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/portfoliohub/portfolio/internal/domain"
	"github.com/portfoliohub/portfolio/pkg/logger"
)

const (
	ownerPrefix  = "works:owner:"
	publicPrefix = "works:public:"
)

var lookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "portfolio_cache_lookups_total",
		Help: "Portfolio cache lookups by listing kind and result.",
	},
	[]string{"kind", "result"},
)

// WorksCache implements service.ItemCache. Every Redis or decoding error is
// logged and reported as a miss, so a Redis outage only costs latency.
type WorksCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a cache whose entries expire after ttl.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *WorksCache {
	return &WorksCache{client: client, ttl: ttl, logger: logger}
}

// GetOwnerItems returns the owner's cached listing.
func (c *WorksCache) GetOwnerItems(ctx context.Context, ownerID string) ([]domain.PortfolioItem, bool) {
	var items []domain.PortfolioItem
	if !c.get(ctx, "owner", ownerPrefix+ownerID, &items) {
		return nil, false
	}
	return items, true
}

// SetOwnerItems caches the owner's listing.
func (c *WorksCache) SetOwnerItems(ctx context.Context, ownerID string, items []domain.PortfolioItem) {
	c.set(ctx, ownerPrefix+ownerID, items)
}

// GetPublicItems returns the owner's cached public profile.
func (c *WorksCache) GetPublicItems(ctx context.Context, ownerID string) (*domain.PublicPortfolio, bool) {
	var pp domain.PublicPortfolio
	if !c.get(ctx, "public", publicPrefix+ownerID, &pp) {
		return nil, false
	}
	return &pp, true
}

// SetPublicItems caches the owner's public profile.
func (c *WorksCache) SetPublicItems(ctx context.Context, ownerID string, pp *domain.PublicPortfolio) {
	c.set(ctx, publicPrefix+ownerID, pp)
}

// Invalidate drops both listings of the owner.
func (c *WorksCache) Invalidate(ctx context.Context, ownerID string) {
	if err := c.client.Del(ctx, ownerPrefix+ownerID, publicPrefix+ownerID).Err(); err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "cache invalidation failed",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *WorksCache) get(ctx context.Context, kind, key string, dst any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			lookupsTotal.WithLabelValues(kind, "error").Inc()
			logger.WithContext(ctx, c.logger).WarnContext(ctx, "redis get failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return false
		}
		lookupsTotal.WithLabelValues(kind, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		lookupsTotal.WithLabelValues(kind, "error").Inc()
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "discarding undecodable cache entry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		_ = c.client.Del(ctx, key).Err()
		return false
	}
	lookupsTotal.WithLabelValues(kind, "hit").Inc()
	return true
}

func (c *WorksCache) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "marshal cache entry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "redis set failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
