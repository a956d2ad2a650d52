package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/sla-service/internal/config"
	"github.com/spec-kit/sla-service/internal/domain"
)

// Redis wraps the go-redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to Redis using the provided configuration.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis")
	}

	return &Redis{Client: client}
}

// Close releases the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis not configured")
	}
	return r.Client.Ping(ctx).Err()
}

const metricsCacheKey = "sla:metrics:snapshot"

// MetricsCache stores the aggregate SLA snapshot so the dashboard endpoint
// does not recompute it on every request.
type MetricsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMetricsCache builds a cache around the shared client. A nil client or
// zero TTL yields a cache that always misses.
func NewMetricsCache(r *Redis, ttl time.Duration) *MetricsCache {
	var client *redis.Client
	if r != nil {
		client = r.Client
	}
	return &MetricsCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot or nil on miss.
func (c *MetricsCache) Get(ctx context.Context) (*domain.SlaMetrics, error) {
	if c == nil || c.client == nil || c.ttl <= 0 {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, metricsCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var metrics domain.SlaMetrics
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// Set stores the snapshot for the configured TTL.
func (c *MetricsCache) Set(ctx context.Context, metrics *domain.SlaMetrics) error {
	if c == nil || c.client == nil || c.ttl <= 0 || metrics == nil {
		return nil
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, metricsCacheKey, raw, c.ttl).Err()
}
