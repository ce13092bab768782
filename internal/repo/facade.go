// Package repo holds the domain repositories the terminal UI talks to. Each
// is built on a generic dual-write facade: reads prefer the remote authority
// and fall back to the local cache, writes land in the cache immediately and
// reach the authority either directly or through the mutation queue.
package repo

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/cache"
	"github.com/tillworks/tillsync/internal/syncengine"
)

// ErrNetworkRequired marks operations that must not silently degrade to the
// cache, such as minting server-side secrets.
var ErrNetworkRequired = errors.New("network required")

// RemoteStore is the entity CRUD surface of the remote authority.
type RemoteStore interface {
	ListEntities(ctx context.Context, collection string) ([]map[string]any, error)
	GetEntity(ctx context.Context, collection, id string) (map[string]any, error)
	CreateEntity(ctx context.Context, collection string, entity map[string]any) (map[string]any, error)
	UpdateEntity(ctx context.Context, collection, id string, entity map[string]any) (map[string]any, error)
	DeleteEntity(ctx context.Context, collection, id string) error
}

// Submitter queues a mutation for replay. The engine implements it.
type Submitter interface {
	Submit(kind syncengine.MutationKind, payload map[string]any) (string, error)
}

type FacadeOptions struct {
	Collection string
	Remote     RemoteStore
	Cache      *cache.EntityCache
	// Online reports current connectivity; nil means assume online and let
	// remote calls fail on their own.
	Online func() bool
	Logger *log.Logger
	Now    func() time.Time
}

// Facade is the generic online-first, cache-fallback store for one entity
// collection.
type Facade struct {
	collection string
	remote     RemoteStore
	cache      *cache.EntityCache
	online     func() bool
	logger     *log.Logger
	now        func() time.Time
}

func NewFacade(opts FacadeOptions) (*Facade, error) {
	if opts.Collection == "" || opts.Remote == nil || opts.Cache == nil {
		return nil, errors.New("repo: collection, remote and cache are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Facade{
		collection: opts.Collection,
		remote:     opts.Remote,
		cache:      opts.Cache,
		online:     opts.Online,
		logger:     logger,
		now:        now,
	}, nil
}

func (f *Facade) isOnline() bool {
	if f.online == nil {
		return true
	}
	return f.online()
}

// GetAll prefers the authority; a successful remote read overwrites the
// cache so it always mirrors the last authoritative result. Any remote
// failure degrades silently to the cache.
func (f *Facade) GetAll(ctx context.Context) ([]map[string]any, error) {
	if f.isOnline() {
		entities, err := f.remote.ListEntities(ctx, f.collection)
		if err == nil {
			byID := make(map[string]map[string]any, len(entities))
			for _, entity := range entities {
				id, ok := entity["id"].(string)
				if !ok || id == "" {
					continue
				}
				byID[id] = entity
			}
			if cacheErr := f.cache.ReplaceAll(ctx, f.collection, byID); cacheErr != nil {
				f.logger.Printf("repo %s: cache overwrite failed: %v", f.collection, cacheErr)
			}
			return entities, nil
		}
		f.logger.Printf("repo %s: remote list failed, serving cache: %v", f.collection, err)
	}
	return f.cache.List(ctx, f.collection)
}

func (f *Facade) GetByID(ctx context.Context, id string) (map[string]any, error) {
	if f.isOnline() {
		entity, err := f.remote.GetEntity(ctx, f.collection, id)
		if err == nil {
			if _, cacheErr := f.cache.Put(ctx, f.collection, id, entity, f.now()); cacheErr != nil {
				f.logger.Printf("repo %s: cache put failed: %v", f.collection, cacheErr)
			}
			return entity, nil
		}
		f.logger.Printf("repo %s: remote get failed, serving cache: %v", f.collection, err)
	}
	entity, err := f.cache.Get(ctx, f.collection, id)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}
	return entity, err
}

// Create mints the id locally so the UI holds a stable identity regardless
// of connectivity, writes optimistically to the cache, then attempts the
// remote create. On remote success the cache entry is reconciled with the
// authoritative row; on failure the optimistic entry stays current truth.
func (f *Facade) Create(ctx context.Context, entity map[string]any) (map[string]any, error) {
	if entity == nil {
		entity = map[string]any{}
	}
	id, _ := entity["id"].(string)
	if id == "" {
		id = uuid.NewString()
		entity["id"] = id
	}
	if _, err := f.cache.Put(ctx, f.collection, id, entity, f.now()); err != nil {
		return nil, err
	}
	if f.isOnline() {
		created, err := f.remote.CreateEntity(ctx, f.collection, entity)
		if err == nil && created != nil {
			if _, cacheErr := f.cache.Put(ctx, f.collection, id, created, f.now()); cacheErr != nil {
				f.logger.Printf("repo %s: cache reconcile failed: %v", f.collection, cacheErr)
			}
			return created, nil
		}
		if err != nil {
			f.logger.Printf("repo %s: remote create failed, keeping local entry: %v", f.collection, err)
		}
	}
	return entity, nil
}

// Update read-modify-writes: the remote representation wants a full record,
// so the partial change is merged onto the current full record first. Cache
// preferred for the read; remote as fallback.
func (f *Facade) Update(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	current, err := f.cache.Get(ctx, f.collection, id)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
		current, err = f.remote.GetEntity(ctx, f.collection, id)
		if err != nil {
			return nil, err
		}
	}
	merged := make(map[string]any, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	merged["id"] = id

	if f.isOnline() {
		updated, err := f.remote.UpdateEntity(ctx, f.collection, id, merged)
		if err == nil && updated != nil {
			if _, cacheErr := f.cache.Put(ctx, f.collection, id, updated, f.now()); cacheErr != nil {
				f.logger.Printf("repo %s: cache reconcile failed: %v", f.collection, cacheErr)
			}
			return updated, nil
		}
		if err != nil {
			f.logger.Printf("repo %s: remote update failed, keeping local merge: %v", f.collection, err)
		}
	}
	if _, err := f.cache.Put(ctx, f.collection, id, merged, f.now()); err != nil {
		return nil, err
	}
	return merged, nil
}

func (f *Facade) Delete(ctx context.Context, id string) error {
	if err := f.cache.Delete(ctx, f.collection, id); err != nil {
		return err
	}
	if f.isOnline() {
		if err := f.remote.DeleteEntity(ctx, f.collection, id); err != nil {
			f.logger.Printf("repo %s: remote delete failed: %v", f.collection, err)
		}
	}
	return nil
}
