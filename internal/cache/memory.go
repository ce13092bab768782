package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryClient struct {
	store *gocache.Cache
}

// NewMemoryClient returns an in-process Client. defaultTTL <= 0 means entries
// never expire unless Set says otherwise.
func NewMemoryClient(defaultTTL time.Duration) Client {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &memoryClient{store: gocache.New(defaultTTL, 10*time.Minute)}
}

func (c *memoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	value, ok := c.store.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := value.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (c *memoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	// go-cache treats 0 as "use default"; map no-expiry explicitly.
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	c.store.Set(key, value, ttl)
	return nil
}

func (c *memoryClient) Delete(ctx context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

func (c *memoryClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	items := c.store.Items()
	out := make([]string, 0, len(items))
	for key := range items {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (c *memoryClient) Close() error {
	c.store.Flush()
	return nil
}
