package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryClientRoundTrip(t *testing.T) {
	client := NewMemoryClient(0)
	ctx := context.Background()
	if err := client.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := client.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "v" {
		t.Fatalf("expected v, got %q", value)
	}
	if _, err := client.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := client.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryClientZeroTTLNeverExpires(t *testing.T) {
	client := NewMemoryClient(0)
	ctx := context.Background()
	if err := client.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := client.Get(ctx, "k"); err != nil {
		t.Fatalf("expected entry without expiry to survive, got %v", err)
	}
}

func TestFileClientPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	client, err := NewFileClient(path)
	if err != nil {
		t.Fatalf("expected client, got error %v", err)
	}
	ctx := context.Background()
	if err := client.Set(ctx, "products:p-1", []byte(`{"id":"p-1"}`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileClient(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, err := reopened.Get(ctx, "products:p-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(value) != `{"id":"p-1"}` {
		t.Fatalf("unexpected value %q", value)
	}
	keys, err := reopened.Keys(ctx, "products:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "products:p-1" {
		t.Fatalf("expected one products key, got %v", keys)
	}
}

func TestEntityCacheLastWriteWins(t *testing.T) {
	entityCache := NewEntityCache(NewMemoryClient(0), 0)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	written, err := entityCache.Put(ctx, "products", "p-1", map[string]any{"id": "p-1", "stock": float64(5)}, base.Add(time.Minute))
	if err != nil || !written {
		t.Fatalf("expected first put to land, got written=%v err=%v", written, err)
	}
	// An older reconciliation result must not clobber the newer entry.
	written, err = entityCache.Put(ctx, "products", "p-1", map[string]any{"id": "p-1", "stock": float64(2)}, base)
	if err != nil {
		t.Fatalf("stale put: %v", err)
	}
	if written {
		t.Fatalf("expected stale write to be skipped")
	}
	entity, err := entityCache.Get(ctx, "products", "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entity["stock"].(float64) != 5 {
		t.Fatalf("expected newer stock 5, got %v", entity["stock"])
	}
}

func TestEntityCacheReplaceAll(t *testing.T) {
	entityCache := NewEntityCache(NewMemoryClient(0), 0)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := entityCache.Put(ctx, "products", "stale", map[string]any{"id": "stale"}, now); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := entityCache.ReplaceAll(ctx, "products", map[string]map[string]any{
		"p-1": {"id": "p-1", "name": "coffee"},
		"p-2": {"id": "p-2", "name": "tea"},
	})
	if err != nil {
		t.Fatalf("replace all: %v", err)
	}
	entities, err := entityCache.List(ctx, "products")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities after overwrite, got %d", len(entities))
	}
	if _, err := entityCache.Get(ctx, "products", "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale entity dropped, got %v", err)
	}
}

func TestEntityCacheCollectionsAreIsolated(t *testing.T) {
	entityCache := NewEntityCache(NewMemoryClient(0), 0)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := entityCache.Put(ctx, "products", "x", map[string]any{"id": "x"}, now); err != nil {
		t.Fatalf("put product: %v", err)
	}
	if _, err := entityCache.Put(ctx, "clients", "x", map[string]any{"id": "x", "name": "Ada"}, now); err != nil {
		t.Fatalf("put client: %v", err)
	}
	clients, err := entityCache.List(ctx, "clients")
	if err != nil {
		t.Fatalf("list clients: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("expected one client, got %d", len(clients))
	}
	if clients[0]["name"] != "Ada" {
		t.Fatalf("expected client entity, got %v", clients[0])
	}
}
