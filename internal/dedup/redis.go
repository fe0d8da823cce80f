package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "careline:dedup:"

// RedisStore shares the processed-event set between instances. Each id expires
// at the next local midnight, which gives the same daily reset as Guard.
type RedisStore struct {
	client *redis.Client
	zone   Zone
	now    func() time.Time
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db)
func NewRedisStore(ctx context.Context, url string, zone Zone) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, zone: zone, now: time.Now}, nil
}

// HasBeenProcessed reports whether eventID was marked before its key expired
func (s *RedisStore) HasBeenProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records eventID until the next local midnight
func (s *RedisStore) MarkProcessed(ctx context.Context, eventID string) error {
	now := s.now()
	ttl := s.zone.NextMidnight(now).Sub(now)
	if err := s.client.Set(ctx, redisKeyPrefix+eventID, now.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}
