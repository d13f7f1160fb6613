package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/Kotodama/config"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ReceiptCache maps provider message ids to local message ids so delivery receipts
// skip the unique-index lookup on the hot path. It is an optimisation only: a miss
// falls back to the database.
type ReceiptCache interface {
	Remember(ctx context.Context, providerMessageID string, messageID uint) error
	Lookup(ctx context.Context, providerMessageID string) (uint, bool, error)
}

// NewReceiptCache picks the implementation from configuration. rc may be nil unless
// the provider is redis.
func NewReceiptCache(cfg *config.CacheConfig, rc *redis.Client) ReceiptCache {
	if !cfg.Enabled {
		return NoopReceiptCache{}
	}
	switch cfg.Provider {
	case "redis":
		if rc == nil {
			return NoopReceiptCache{}
		}
		return NewRedisReceiptCache(rc, cfg.RedisPrefix, cfg.ReceiptTTL)
	default:
		return NewMemoryReceiptCache(cfg.ReceiptTTL, cfg.CleanupInterval)
	}
}

// RedisReceiptCache stores entries as plain string keys with a TTL
type RedisReceiptCache struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisReceiptCache(rc *redis.Client, prefix string, ttl time.Duration) *RedisReceiptCache {
	return &RedisReceiptCache{rc: rc, prefix: prefix, ttl: ttl}
}

func (c *RedisReceiptCache) key(providerMessageID string) string {
	return c.prefix + "receipt:" + providerMessageID
}

func (c *RedisReceiptCache) Remember(ctx context.Context, providerMessageID string, messageID uint) error {
	if err := c.rc.Set(ctx, c.key(providerMessageID), strconv.FormatUint(uint64(messageID), 10), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache receipt mapping: %w", err)
	}
	return nil
}

func (c *RedisReceiptCache) Lookup(ctx context.Context, providerMessageID string) (uint, bool, error) {
	v, err := c.rc.Get(ctx, c.key(providerMessageID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read receipt mapping: %w", err)
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt receipt mapping %q: %w", v, err)
	}
	return uint(id), true, nil
}

// MemoryReceiptCache keeps entries in process, for single-instance deployments
type MemoryReceiptCache struct {
	cache *gocache.Cache
}

func NewMemoryReceiptCache(ttl, cleanupInterval time.Duration) *MemoryReceiptCache {
	return &MemoryReceiptCache{cache: gocache.New(ttl, cleanupInterval)}
}

func (c *MemoryReceiptCache) Remember(_ context.Context, providerMessageID string, messageID uint) error {
	c.cache.Set(providerMessageID, messageID, gocache.DefaultExpiration)
	return nil
}

func (c *MemoryReceiptCache) Lookup(_ context.Context, providerMessageID string) (uint, bool, error) {
	v, ok := c.cache.Get(providerMessageID)
	if !ok {
		return 0, false, nil
	}
	id, ok := v.(uint)
	return id, ok, nil
}

// NoopReceiptCache never hits
type NoopReceiptCache struct{}

func (NoopReceiptCache) Remember(context.Context, string, uint) error { return nil }

func (NoopReceiptCache) Lookup(context.Context, string) (uint, bool, error) { return 0, false, nil }
