package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"socialmesh/pkg/logger"
	"socialmesh/pkg/models"
)

// FeedCache is an optional redis read-through in front of feed
// assembly. A nil cache (no redis configured) disables caching; every
// method is nil-safe. Cache trouble is logged and treated as a miss,
// never surfaced to the client.
type FeedCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewFeedCache(addr string, ttl time.Duration) *FeedCache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &FeedCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

func (c *FeedCache) Get(ctx context.Context, key string) (*models.Feed, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Warn("feed_cache_get_failed", "error", err)
		return nil, false
	}
	var feed models.Feed
	if err := json.Unmarshal(raw, &feed); err != nil {
		logger.Warn("feed_cache_corrupt", "key", key, "error", err)
		return nil, false
	}
	return &feed, true
}

func (c *FeedCache) Set(ctx context.Context, key string, feed *models.Feed) {
	if c == nil {
		return
	}
	// Partial pages would pin missing results until expiry.
	if feed.Incomplete {
		return
	}
	raw, err := json.Marshal(feed)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		logger.Warn("feed_cache_set_failed", "error", err)
	}
}

func (c *FeedCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

func cacheKey(accounts []string, feedType string, limit int, cursor string) string {
	h := sha256.Sum256([]byte(strings.Join(accounts, ",")))
	return fmt.Sprintf("feed:%s:%s:%d:%s", hex.EncodeToString(h[:8]), feedType, limit, cursor)
}
