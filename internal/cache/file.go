package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileClient is the durable cache for single-terminal installs: one JSON file
// holding every entry, rewritten atomically on change. Expiry is checked on
// read; expired entries are dropped lazily.
type fileClient struct {
	path    string
	mu      sync.Mutex
	entries map[string]fileEntry
	now     func() time.Time
}

type fileEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type fileCacheState struct {
	Entries map[string]fileEntry `json:"entries"`
}

func NewFileClient(path string) (Client, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	c := &fileClient{
		path:    path,
		entries: map[string]fileEntry{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *fileClient) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		_ = c.saveLocked()
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

func (c *fileClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	entry := fileEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, existed := c.entries[key]
	c.entries[key] = entry
	if err := c.saveLocked(); err != nil {
		if existed {
			c.entries[key] = previous
		} else {
			delete(c.entries, key)
		}
		return err
	}
	return nil
}

func (c *fileClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, existed := c.entries[key]
	if !existed {
		return nil
	}
	delete(c.entries, key)
	if err := c.saveLocked(); err != nil {
		c.entries[key] = previous
		return err
	}
	return nil
}

func (c *fileClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]string, 0, len(c.entries))
	for key, entry := range c.entries {
		if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (c *fileClient) Close() error {
	return nil
}

func (c *fileClient) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileCacheState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Entries != nil {
		c.entries = snapshot.Entries
	}
	return nil
}

func (c *fileClient) saveLocked() error {
	data, err := json.Marshal(fileCacheState{Entries: c.entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
