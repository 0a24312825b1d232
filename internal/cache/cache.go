package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/masshaul/masshaul/internal/models"
)

const keyPrefix = "masshaul:discovery:"

// DiscoveryCache memoizes channel discovery results so that resumed or
// repeated jobs do not re-list a channel that was enumerated recently.
type DiscoveryCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*DiscoveryCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &DiscoveryCache{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *DiscoveryCache {
	return &DiscoveryCache{client: client, ttl: ttl}
}

func (c *DiscoveryCache) Close() error {
	return c.client.Close()
}

// Get returns the cached item listing for a channel URL, if present.
func (c *DiscoveryCache) Get(ctx context.Context, channelURL string) ([]models.ItemDescriptor, bool) {
	key := cacheKey(channelURL)

	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		log.Printf("[CACHE MISS] %s", key)
		return nil, false
	}
	if err != nil {
		log.Printf("[CACHE ERROR] %s: %v", key, err)
		return nil, false
	}

	var items []models.ItemDescriptor
	if err := json.Unmarshal([]byte(val), &items); err != nil {
		log.Printf("[CACHE ERROR] %s: %v", key, err)
		return nil, false
	}

	log.Printf("[CACHE HIT] %s (%d items)", key, len(items))
	return items, true
}

// Set stores a channel's item listing with the configured TTL.
func (c *DiscoveryCache) Set(ctx context.Context, channelURL string, items []models.ItemDescriptor) error {
	key := cacheKey(channelURL)

	data, err := json.Marshal(items)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Printf("[CACHE SET ERROR] %s: %v", key, err)
		return err
	}
	log.Printf("[CACHE SET] %s (%d items, TTL: %v)", key, len(items), c.ttl)
	return nil
}

// Invalidate drops the cached listing for a channel URL.
func (c *DiscoveryCache) Invalidate(ctx context.Context, channelURL string) error {
	return c.client.Del(ctx, cacheKey(channelURL)).Err()
}

func cacheKey(channelURL string) string {
	sum := sha256.Sum256([]byte(channelURL))
	return keyPrefix + hex.EncodeToString(sum[:])[:16]
}
