package mapping

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

// CacheConfig contains mapping cache configuration
type CacheConfig struct {
	RedisURL  string
	TTL       time.Duration
	KeyPrefix string
}

// CachedStore wraps a Store with a read-through Redis cache. Cached
// values hold pseudonyms keyed by hashes only, never originals, and a
// cache outage degrades to the inner store instead of failing the run.
type CachedStore struct {
	inner  Store
	client *redis.Client
	config CacheConfig
	logger *logger.Logger
}

// NewCachedStore connects to Redis and wraps the inner store
func NewCachedStore(inner Store, config CacheConfig, log *logger.Logger) (*CachedStore, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, faults.Configuration("invalid redis url: %v", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	cached := &CachedStore{
		inner:  inner,
		client: client,
		config: config,
		logger: log.WithComponent("mapping-cache"),
	}

	cached.logger.Info("Mapping cache connected",
		zap.String("url", maskURL(config.RedisURL)),
		zap.Duration("ttl", config.TTL),
	)

	return cached, nil
}

func (c *CachedStore) cacheKey(category, normalized string) string {
	return c.config.KeyPrefix + keyHash(category, normalized)
}

// Load delegates to the inner store
func (c *CachedStore) Load(ctx context.Context) error {
	return c.inner.Load(ctx)
}

// Lookup serves from Redis when possible and falls back to the inner store
func (c *CachedStore) Lookup(ctx context.Context, category, normalized string) (Entry, bool, error) {
	key := c.cacheKey(category, normalized)

	pseudonym, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return Entry{
			Category:   category,
			Normalized: normalized,
			Pseudonym:  pseudonym,
		}, true, nil
	}
	if err != redis.Nil {
		c.logger.Debug("Cache read failed, falling back to store", zap.Error(err))
	}

	entry, found, err := c.inner.Lookup(ctx, category, normalized)
	if err != nil || !found {
		return entry, found, err
	}

	c.set(ctx, key, entry.Pseudonym)
	return entry, true, nil
}

// Insert writes through to the inner store and refreshes the cache
func (c *CachedStore) Insert(ctx context.Context, entry Entry) error {
	if err := c.inner.Insert(ctx, entry); err != nil {
		return err
	}

	c.set(ctx, c.cacheKey(entry.Category, entry.Normalized), entry.Pseudonym)
	return nil
}

// set caches a pseudonym, tolerating cache failures
func (c *CachedStore) set(ctx context.Context, key, pseudonym string) {
	if err := c.client.Set(ctx, key, pseudonym, c.config.TTL).Err(); err != nil {
		c.logger.Debug("Cache write failed", zap.Error(err))
	}
}

// Flush delegates to the inner store
func (c *CachedStore) Flush(ctx context.Context) error {
	return c.inner.Flush(ctx)
}

// Count delegates to the inner store
func (c *CachedStore) Count(ctx context.Context) (int, error) {
	return c.inner.Count(ctx)
}

// Close closes the cache connection and the inner store
func (c *CachedStore) Close() error {
	if err := c.inner.Close(); err != nil {
		c.client.Close()
		return err
	}
	return c.client.Close()
}
