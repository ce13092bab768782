package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/cache"
	"github.com/tillworks/tillsync/internal/syncengine"
)

const clientsCollection = "clients"

// CredentialIssuer mints server-side store credentials. Network-only by
// nature.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, clientID string) (map[string]any, error)
}

// ClientRepo manages store clients and their debt ledger.
type ClientRepo struct {
	*Facade
	submit Submitter
	issuer CredentialIssuer
}

func NewClientRepo(facade *Facade, submit Submitter, issuer CredentialIssuer) *ClientRepo {
	return &ClientRepo{Facade: facade, submit: submit, issuer: issuer}
}

// CreateClient mints the id locally, caches the client optimistically and
// queues the creation for the authority.
func (r *ClientRepo) CreateClient(ctx context.Context, name, phone, email string) (string, error) {
	if name == "" {
		return "", syncengine.ErrInvalidInput
	}
	clientID := uuid.NewString()
	payload, err := syncengine.PayloadToMap(syncengine.CreateClientPayload{
		ClientID: clientID,
		Name:     name,
		Phone:    phone,
		Email:    email,
	})
	if err != nil {
		return "", err
	}
	if _, err := r.submit.Submit(syncengine.KindCreateClient, payload); err != nil {
		return "", err
	}
	entity := map[string]any{"id": clientID, "name": name, "debt": float64(0)}
	if phone != "" {
		entity["phone"] = phone
	}
	if email != "" {
		entity["email"] = email
	}
	if _, err := r.cache.Put(ctx, clientsCollection, clientID, entity, r.now()); err != nil {
		r.logger.Printf("repo clients: optimistic cache put for %s failed: %v", clientID, err)
	}
	return clientID, nil
}

// UpdateDebt queues a signed debt change and applies it to the cached client
// balance immediately.
func (r *ClientRepo) UpdateDebt(ctx context.Context, clientID string, amount float64, reference string) (string, error) {
	if clientID == "" {
		return "", syncengine.ErrInvalidInput
	}
	payload, err := syncengine.PayloadToMap(syncengine.UpdateDebtPayload{
		ClientID:  clientID,
		Amount:    amount,
		Reference: reference,
	})
	if err != nil {
		return "", err
	}
	mutationID, err := r.submit.Submit(syncengine.KindUpdateDebt, payload)
	if err != nil {
		return "", err
	}
	if err := r.applyDebtDelta(ctx, clientID, amount); err != nil {
		r.logger.Printf("repo clients: optimistic debt update for %s failed: %v", clientID, err)
	}
	return mutationID, nil
}

// IssueCredential requires the network: the secret is minted server-side and
// there is nothing meaningful to queue. Fails loudly when offline.
func (r *ClientRepo) IssueCredential(ctx context.Context, clientID string) (map[string]any, error) {
	if clientID == "" {
		return nil, syncengine.ErrInvalidInput
	}
	if r.issuer == nil {
		return nil, ErrNetworkRequired
	}
	if !r.isOnline() {
		return nil, fmt.Errorf("issue credential: %w", ErrNetworkRequired)
	}
	return r.issuer.IssueCredential(ctx, clientID)
}

func (r *ClientRepo) applyDebtDelta(ctx context.Context, clientID string, amount float64) error {
	client, err := r.cache.Get(ctx, clientsCollection, clientID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}
	debt, _ := client["debt"].(float64)
	client["debt"] = debt + amount
	if _, err := r.cache.Put(ctx, clientsCollection, clientID, client, r.now()); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}
