package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/logging"
)

const redisOpTimeout = 100 * time.Millisecond

// RedisCache shares verified principals across replicas. Redis failures are
// treated as cache misses so token verification never depends on redis being
// up.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisCache wraps an existing redis client. The prefix keeps token
// entries apart from other tenants of the same redis.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = "samfms:token:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logging.Global()
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, tokenHash string) (Principal, bool) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := c.client.Get(opCtx, c.prefix+tokenHash).Bytes()
	if err == redis.Nil {
		return Principal{}, false
	}
	if err != nil {
		c.log.Warn("redis token lookup failed, treating as miss", zap.Error(err))
		return Principal{}, false
	}
	var p Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn("redis token entry corrupt, treating as miss", zap.Error(err))
		return Principal{}, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, tokenHash string, p Principal) {
	raw, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("failed to encode principal for redis", zap.Error(err))
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := c.client.Set(opCtx, c.prefix+tokenHash, raw, c.ttl).Err(); err != nil {
		c.log.Warn("failed to store token in redis", zap.Error(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, tokenHash string) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := c.client.Del(opCtx, c.prefix+tokenHash).Err(); err != nil {
		c.log.Warn("failed to delete token from redis", zap.Error(err))
	}
}

// Sweep is a no-op for redis: entries carry their TTL server-side.
func (c *RedisCache) Sweep(ctx context.Context) int {
	return 0
}

func (c *RedisCache) Len(ctx context.Context) int {
	count := 0
	var cursor uint64
	for {
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		keys, next, err := c.client.Scan(opCtx, cursor, c.prefix+"*", 100).Result()
		cancel()
		if err != nil {
			c.log.Warn("redis token scan failed", zap.Error(err))
			return count
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count
		}
	}
}
