package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/syncengine"
)

// SaleRepo queues sales. Unlike the catalog repositories there is no remote
// read path of interest; a sale exists locally the moment it is rung up and
// reaches the authority through the queue.
type SaleRepo struct {
	products *ProductRepo
	submit   Submitter
	now      func() time.Time
}

func NewSaleRepo(products *ProductRepo, submit Submitter) *SaleRepo {
	return &SaleRepo{
		products: products,
		submit:   submit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordSale queues the sale and decrements cached stock for each line so
// subsequent sales see the reduced levels. A missing SaleID or SoldAt is
// filled in here.
func (r *SaleRepo) RecordSale(ctx context.Context, sale syncengine.RecordSalePayload) (string, error) {
	if sale.SaleID == "" {
		sale.SaleID = uuid.NewString()
	}
	if sale.SoldAt == "" {
		sale.SoldAt = r.now().Format(time.RFC3339)
	}
	payload, err := syncengine.PayloadToMap(sale)
	if err != nil {
		return "", err
	}
	mutationID, err := r.submit.Submit(syncengine.KindRecordSale, payload)
	if err != nil {
		return "", err
	}
	for _, line := range sale.Lines {
		if err := r.products.applyStockDelta(ctx, line.ProductID, -line.Quantity); err != nil {
			r.products.logger.Printf("repo sales: stock decrement for %s failed: %v", line.ProductID, err)
		}
	}
	return mutationID, nil
}
