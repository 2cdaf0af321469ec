package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

// Cache stores geocode results by key.
type Cache interface {
	// Get returns the cached result, or nil when the key is absent.
	Get(ctx context.Context, key string) (*Result, error)
	Set(ctx context.Context, key string, result *Result) error
}

// cacheKey returns SHA-256 hex of the normalized query.
func cacheKey(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// CachedClient serves repeated queries from a Cache. Hits do not consume a
// rate limiter token. Only matches are cached.
type CachedClient struct {
	next  Client
	cache Cache
}

// NewCachedClient wraps next with cache.
func NewCachedClient(next Client, cache Cache) *CachedClient {
	return &CachedClient{next: next, cache: cache}
}

// Geocode implements Client.
func (c *CachedClient) Geocode(ctx context.Context, parsed geo.ParsedLocation) (*Result, error) {
	key := cacheKey(Query(parsed))

	cached, err := c.cache.Get(ctx, key)
	if err != nil {
		zap.L().Debug("geocode cache: get failed", zap.String("key", key[:12]), zap.Error(err))
	} else if cached != nil {
		zap.L().Debug("geocode cache hit", zap.String("key", key[:12]))
		return cached, nil
	}

	res, err := c.next.Geocode(ctx, parsed)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, res); err != nil {
		zap.L().Debug("geocode cache: set failed", zap.String("key", key[:12]), zap.Error(err))
	}
	return res, nil
}

// RedisCache implements Cache on Redis with a fixed TTL.
type RedisCache struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a RedisCache. A zero ttl keeps entries forever.
func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "worldmap:geocode:"}
}

// OpenRedis parses a redis:// URL and returns a connected client.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "geocode cache: parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "geocode cache: ping redis")
	}
	return rdb, nil
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) (*Result, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "geocode cache: get")
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, eris.Wrap(err, "geocode cache: decode")
	}
	return &res, nil
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, key string, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "geocode cache: encode")
	}
	return eris.Wrap(r.rdb.Set(ctx, r.prefix+key, data, r.ttl).Err(), "geocode cache: set")
}
