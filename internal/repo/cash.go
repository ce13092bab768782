package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/syncengine"
)

// CashRepo queues till cash movements and register events (open, close,
// count). Write-only: the authority owns the cash ledger.
type CashRepo struct {
	submit Submitter
	now    func() time.Time
}

func NewCashRepo(submit Submitter) *CashRepo {
	return &CashRepo{
		submit: submit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *CashRepo) RegisterMovement(ctx context.Context, amount float64, direction, reason string) (string, error) {
	if direction == "" {
		return "", syncengine.ErrInvalidInput
	}
	payload, err := syncengine.PayloadToMap(syncengine.CashMovementPayload{
		MovementID: uuid.NewString(),
		Amount:     amount,
		Direction:  direction,
		Reason:     reason,
		OccurredAt: r.now().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return r.submit.Submit(syncengine.KindRegisterCashMovement, payload)
}

func (r *CashRepo) RegisterEvent(ctx context.Context, eventType, note string) (string, error) {
	if eventType == "" {
		return "", syncengine.ErrInvalidInput
	}
	payload, err := syncengine.PayloadToMap(syncengine.CashEventPayload{
		EventID:    uuid.NewString(),
		Type:       eventType,
		Note:       note,
		OccurredAt: r.now().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return r.submit.Submit(syncengine.KindRegisterCashEvent, payload)
}
