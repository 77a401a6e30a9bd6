package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/logging"
)

const redisOpTimeout = 100 * time.Millisecond

// RedisStore shares dedup records across replicas consuming the same request
// queue. Redis being down degrades to no dedup, never to a failed request.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedisStore(client *redis.Client, prefix string, log *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "samfms:dedup:"
	}
	if log == nil {
		log = logging.Global()
	}
	return &RedisStore{client: client, prefix: prefix, log: log}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(opCtx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		s.log.Warn("redis dedup get failed, treating as miss", zap.Error(err))
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("redis dedup entry corrupt, treating as miss", zap.Error(err))
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("redis dedup encode failed", zap.Error(err))
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Set(opCtx, s.prefix+key, data, ttl).Err(); err != nil {
		s.log.Warn("redis dedup set failed", zap.Error(err))
		return err
	}
	return nil
}

// Sweep is a no-op: redis expires entries server-side.
func (s *RedisStore) Sweep(ctx context.Context) int {
	return 0
}

// Close does not close the shared redis client.
func (s *RedisStore) Close() {}
