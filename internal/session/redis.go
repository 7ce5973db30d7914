package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "pagegen:session:"
	defaultRedisTimeout = 5 * time.Second
)

// RedisBackend stores session keys in redis so several machines can share
// one login. A zero ttl keeps keys until they are deleted.
type RedisBackend struct {
	rdb     *redis.Client
	keyNS   string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisBackend wraps an existing client. An empty prefix uses "pagegen:session:".
func NewRedisBackend(rdb *redis.Client, keyPrefix string, ttl time.Duration) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisBackend{rdb: rdb, keyNS: keyPrefix, ttl: ttl, timeout: defaultRedisTimeout}
}

func (r *RedisBackend) key(k string) string { return r.keyNS + k }

func (r *RedisBackend) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	val, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.rdb.Set(ctx, r.key(key), value, r.ttl).Err()
}

func (r *RedisBackend) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.rdb.Del(ctx, full...).Err()
}
