package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// Entry is one cached entity plus the timestamp of the write that produced
// it. UpdatedAt drives last-write-wins: a reconciliation carrying an older
// timestamp never clobbers a newer local write.
type Entry struct {
	Entity    map[string]any `json:"entity"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// EntityCache stores entities grouped into collections ("products",
// "clients", ...) on top of a raw Client. All writes are keyed
// collection:id.
type EntityCache struct {
	client Client
	ttl    time.Duration
	now    func() time.Time
}

func NewEntityCache(client Client, ttl time.Duration) *EntityCache {
	return &EntityCache{
		client: client,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func entityKey(collection, id string) string {
	return collection + ":" + id
}

// Put writes the entity unless a newer entry is already cached. Returns true
// when the write landed.
func (c *EntityCache) Put(ctx context.Context, collection, id string, entity map[string]any, updatedAt time.Time) (bool, error) {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return false, ErrInvalidInput
	}
	if updatedAt.IsZero() {
		updatedAt = c.now()
	}
	key := entityKey(collection, id)
	if existing, err := c.get(ctx, key); err == nil {
		if existing.UpdatedAt.After(updatedAt) {
			return false, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	entry := Entry{Entity: entity, UpdatedAt: updatedAt}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (c *EntityCache) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	entry, err := c.get(ctx, entityKey(collection, id))
	if err != nil {
		return nil, err
	}
	return entry.Entity, nil
}

// List returns every entity in the collection, ordered by id for stable
// output.
func (c *EntityCache) List(ctx context.Context, collection string) ([]map[string]any, error) {
	keys, err := c.client.Keys(ctx, collection+":")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		entry, err := c.get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, entry.Entity)
	}
	return out, nil
}

// ReplaceAll swaps the collection's contents for the given set, keyed by
// entity id. Used after a successful online fetch of the authoritative list.
func (c *EntityCache) ReplaceAll(ctx context.Context, collection string, entities map[string]map[string]any) error {
	if strings.TrimSpace(collection) == "" {
		return ErrInvalidInput
	}
	keys, err := c.client.Keys(ctx, collection+":")
	if err != nil {
		return err
	}
	for _, key := range keys {
		id := strings.TrimPrefix(key, collection+":")
		if _, keep := entities[id]; keep {
			continue
		}
		if err := c.client.Delete(ctx, key); err != nil {
			return err
		}
	}
	now := c.now()
	for id, entity := range entities {
		entry := Entry{Entity: entity, UpdatedAt: now}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := c.client.Set(ctx, entityKey(collection, id), data, c.ttl); err != nil {
			return err
		}
	}
	return nil
}

func (c *EntityCache) Delete(ctx context.Context, collection, id string) error {
	return c.client.Delete(ctx, entityKey(collection, id))
}

func (c *EntityCache) get(ctx context.Context, key string) (Entry, error) {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
