package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisClient struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisClient returns a Client backed by a shared Redis instance, for
// multi-terminal installs where every till should see the same cache.
func NewRedisClient(addr, password string, db int, keyPrefix string) (Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrInvalidInput
	}
	if keyPrefix == "" {
		keyPrefix = "tillsync:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &redisClient{rdb: rdb, keyPrefix: keyPrefix}, nil
}

func (c *redisClient) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	value, err := c.rdb.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (c *redisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, c.keyPrefix+key, value, ttl).Err()
}

func (c *redisClient) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.keyPrefix+key).Err()
}

func (c *redisClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := c.keyPrefix + prefix + "*"
	out := make([]string, 0)
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), c.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}
