package repo

import (
	"context"
	"log"
	"time"

	"github.com/tillworks/tillsync/internal/cache"
	"github.com/tillworks/tillsync/internal/syncengine"
)

// reconcileCollections maps each mutation kind onto the cached collection its
// authoritative result belongs to. Kinds with no cached collection are
// replay-only.
var reconcileCollections = map[syncengine.MutationKind]string{
	syncengine.KindRecordSale:   "sales",
	syncengine.KindAdjustStock:  "products",
	syncengine.KindCreateClient: "clients",
	syncengine.KindUpdateDebt:   "clients",
}

// CacheReconciler folds replay results back into the local cache so a
// successfully drained mutation leaves the cache mirroring the authority's
// row, not the terminal's optimistic guess.
type CacheReconciler struct {
	cache  *cache.EntityCache
	logger *log.Logger
	now    func() time.Time
}

func NewCacheReconciler(entityCache *cache.EntityCache, logger *log.Logger) *CacheReconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &CacheReconciler{
		cache:  entityCache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile implements syncengine.ReconcileFunc.
func (r *CacheReconciler) Reconcile(item syncengine.MutationItem, result syncengine.ApplyResult) {
	collection, ok := reconcileCollections[item.Kind]
	if !ok {
		return
	}
	if result.ID == "" || len(result.Fields) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.cache.Put(ctx, collection, result.ID, result.Fields, r.now()); err != nil {
		r.logger.Printf("reconcile %s %s: cache put failed: %v", item.Kind, result.ID, err)
	}
}
