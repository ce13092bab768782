package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tillworks/tillsync/internal/cache"
	"github.com/tillworks/tillsync/internal/syncengine"
)

const productsCollection = "products"

// ProductRepo serves the catalog and queues stock corrections.
type ProductRepo struct {
	*Facade
	submit Submitter
}

func NewProductRepo(facade *Facade, submit Submitter) *ProductRepo {
	return &ProductRepo{Facade: facade, submit: submit}
}

// AdjustStock queues a signed stock correction and applies it to the cached
// product immediately so the terminal sees the new level without waiting for
// replay. Returns the queued mutation id.
func (r *ProductRepo) AdjustStock(ctx context.Context, productID string, delta float64, reason string) (string, error) {
	if productID == "" {
		return "", syncengine.ErrInvalidInput
	}
	payload, err := syncengine.PayloadToMap(syncengine.AdjustStockPayload{
		ProductID:  productID,
		Delta:      delta,
		Reason:     reason,
		AdjustedAt: r.now().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	mutationID, err := r.submit.Submit(syncengine.KindAdjustStock, payload)
	if err != nil {
		return "", err
	}
	if err := r.applyStockDelta(ctx, productID, delta); err != nil {
		r.logger.Printf("repo products: optimistic stock update for %s failed: %v", productID, err)
	}
	return mutationID, nil
}

func (r *ProductRepo) applyStockDelta(ctx context.Context, productID string, delta float64) error {
	product, err := r.cache.Get(ctx, productsCollection, productID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}
	stock, _ := product["stock"].(float64)
	product["stock"] = stock + delta
	if _, err := r.cache.Put(ctx, productsCollection, productID, product, r.now()); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}
