package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tillworks/tillsync/internal/cache"
	"github.com/tillworks/tillsync/internal/syncengine"
)

type fakeRemote struct {
	mu       sync.Mutex
	entities map[string]map[string]any
	fail     bool
	creates  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entities: map[string]map[string]any{}}
}

func (r *fakeRemote) ListEntities(ctx context.Context, collection string) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("remote down")
	}
	out := make([]map[string]any, 0, len(r.entities))
	for _, entity := range r.entities {
		out = append(out, entity)
	}
	return out, nil
}

func (r *fakeRemote) GetEntity(ctx context.Context, collection, id string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("remote down")
	}
	entity, ok := r.entities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return entity, nil
}

func (r *fakeRemote) CreateEntity(ctx context.Context, collection string, entity map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("remote down")
	}
	r.creates++
	id := entity["id"].(string)
	stored := map[string]any{}
	for k, v := range entity {
		stored[k] = v
	}
	stored["serverField"] = "assigned"
	r.entities[id] = stored
	return stored, nil
}

func (r *fakeRemote) UpdateEntity(ctx context.Context, collection, id string, entity map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("remote down")
	}
	r.entities[id] = entity
	return entity, nil
}

func (r *fakeRemote) DeleteEntity(ctx context.Context, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("remote down")
	}
	delete(r.entities, id)
	return nil
}

type fakeSubmitter struct {
	mu         sync.Mutex
	submitted  []syncengine.MutationKind
	lastFields map[string]any
}

func (s *fakeSubmitter) Submit(kind syncengine.MutationKind, payload map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, kind)
	s.lastFields = payload
	return "mut-1", nil
}

type repoFixture struct {
	remote  *fakeRemote
	cache   *cache.EntityCache
	online  bool
	facade  *Facade
	submits *fakeSubmitter
}

func newRepoFixture(t *testing.T, collection string) *repoFixture {
	t.Helper()
	f := &repoFixture{
		remote:  newFakeRemote(),
		cache:   cache.NewEntityCache(cache.NewMemoryClient(0), 0),
		online:  true,
		submits: &fakeSubmitter{},
	}
	facade, err := NewFacade(FacadeOptions{
		Collection: collection,
		Remote:     f.remote,
		Cache:      f.cache,
		Online:     func() bool { return f.online },
	})
	if err != nil {
		t.Fatalf("expected facade, got error %v", err)
	}
	f.facade = facade
	return f
}

func TestGetAllOverwritesCacheOnRemoteSuccess(t *testing.T) {
	f := newRepoFixture(t, "products")
	ctx := context.Background()
	f.remote.entities["p-1"] = map[string]any{"id": "p-1", "name": "coffee"}

	// A stale local entry should be gone after an authoritative read.
	if _, err := f.cache.Put(ctx, "products", "stale", map[string]any{"id": "stale"}, time.Now().UTC()); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	entities, err := f.facade.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(entities) != 1 || entities[0]["id"] != "p-1" {
		t.Fatalf("expected remote result, got %v", entities)
	}

	cached, err := f.cache.List(ctx, "products")
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	if len(cached) != 1 || cached[0]["id"] != "p-1" {
		t.Fatalf("expected cache mirroring remote, got %v", cached)
	}
}

func TestGetAllFallsBackToCacheWhenRemoteFails(t *testing.T) {
	f := newRepoFixture(t, "products")
	ctx := context.Background()
	if _, err := f.cache.Put(ctx, "products", "p-1", map[string]any{"id": "p-1"}, time.Now().UTC()); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	f.remote.fail = true

	entities, err := f.facade.GetAll(ctx)
	if err != nil {
		t.Fatalf("expected silent degradation, got %v", err)
	}
	if len(entities) != 1 || entities[0]["id"] != "p-1" {
		t.Fatalf("expected cached entity, got %v", entities)
	}
}

func TestCreateOfflineKeepsOptimisticEntry(t *testing.T) {
	f := newRepoFixture(t, "products")
	f.online = false
	ctx := context.Background()

	created, err := f.facade.Create(ctx, map[string]any{"name": "tea"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("expected locally minted id, got %v", created)
	}
	cached, err := f.cache.Get(ctx, "products", id)
	if err != nil {
		t.Fatalf("expected optimistic cache entry, got %v", err)
	}
	if cached["name"] != "tea" {
		t.Fatalf("unexpected cached entity %v", cached)
	}
	if f.remote.creates != 0 {
		t.Fatalf("expected no remote call while offline, got %d", f.remote.creates)
	}
}

func TestCreateOnlineReconcilesWithAuthoritativeRow(t *testing.T) {
	f := newRepoFixture(t, "products")
	ctx := context.Background()

	created, err := f.facade.Create(ctx, map[string]any{"name": "tea"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created["serverField"] != "assigned" {
		t.Fatalf("expected server-assigned field, got %v", created)
	}
	id := created["id"].(string)
	cached, err := f.cache.Get(ctx, "products", id)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if cached["serverField"] != "assigned" {
		t.Fatalf("expected cache reconciled with authoritative row, got %v", cached)
	}
}

func TestUpdateMergesPartialOntoFullRecord(t *testing.T) {
	f := newRepoFixture(t, "products")
	f.online = false
	ctx := context.Background()
	if _, err := f.cache.Put(ctx, "products", "p-1", map[string]any{
		"id":    "p-1",
		"name":  "coffee",
		"price": float64(4),
	}, time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	updated, err := f.facade.Update(ctx, "p-1", map[string]any{"price": float64(5)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["price"].(float64) != 5 {
		t.Fatalf("expected merged price 5, got %v", updated["price"])
	}
	if updated["name"] != "coffee" {
		t.Fatalf("expected untouched fields preserved, got %v", updated)
	}
}

func TestAdjustStockQueuesAndUpdatesCache(t *testing.T) {
	f := newRepoFixture(t, "products")
	ctx := context.Background()
	if _, err := f.cache.Put(ctx, "products", "p-1", map[string]any{
		"id":    "p-1",
		"stock": float64(10),
	}, time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	products := NewProductRepo(f.facade, f.submits)

	mutationID, err := products.AdjustStock(ctx, "p-1", -3, "breakage")
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if mutationID != "mut-1" {
		t.Fatalf("expected queued mutation id, got %q", mutationID)
	}
	if len(f.submits.submitted) != 1 || f.submits.submitted[0] != syncengine.KindAdjustStock {
		t.Fatalf("expected one stock.adjust submission, got %v", f.submits.submitted)
	}
	if f.submits.lastFields["delta"].(float64) != -3 {
		t.Fatalf("expected signed delta -3, got %v", f.submits.lastFields["delta"])
	}
	product, err := f.cache.Get(ctx, "products", "p-1")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if product["stock"].(float64) != 7 {
		t.Fatalf("expected optimistic stock 7, got %v", product["stock"])
	}
}

func TestAdjustStockAccumulatesOfflineDeltas(t *testing.T) {
	f := newRepoFixture(t, "products")
	f.online = false
	ctx := context.Background()
	if _, err := f.cache.Put(ctx, "products", "p-1", map[string]any{
		"id":    "p-1",
		"stock": float64(20),
	}, time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	products := NewProductRepo(f.facade, f.submits)

	for _, delta := range []int{-5, -2, 4} {
		if _, err := products.AdjustStock(ctx, "p-1", float64(delta), "recount"); err != nil {
			t.Fatalf("adjust stock by %d: %v", delta, err)
		}
	}
	if len(f.submits.submitted) != 3 {
		t.Fatalf("expected 3 queued adjustments, got %d", len(f.submits.submitted))
	}
	product, err := f.cache.Get(ctx, "products", "p-1")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if product["stock"].(float64) != 17 {
		t.Fatalf("expected cumulative stock 17, got %v", product["stock"])
	}
}

func TestRecordSaleDecrementsCachedStock(t *testing.T) {
	f := newRepoFixture(t, "products")
	ctx := context.Background()
	if _, err := f.cache.Put(ctx, "products", "p-1", map[string]any{
		"id":    "p-1",
		"stock": float64(10),
	}, time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	products := NewProductRepo(f.facade, f.submits)
	sales := NewSaleRepo(products, f.submits)

	if _, err := sales.RecordSale(ctx, syncengine.RecordSalePayload{
		Lines: []syncengine.SaleLine{
			{ProductID: "p-1", Quantity: 2, UnitPrice: 5},
		},
		Total:         10,
		PaymentMethod: "cash",
	}); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if len(f.submits.submitted) != 1 || f.submits.submitted[0] != syncengine.KindRecordSale {
		t.Fatalf("expected sale.record submission, got %v", f.submits.submitted)
	}
	if f.submits.lastFields["saleId"] == "" {
		t.Fatalf("expected minted saleId, got %v", f.submits.lastFields)
	}
	product, err := f.cache.Get(ctx, "products", "p-1")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if product["stock"].(float64) != 8 {
		t.Fatalf("expected stock 8 after sale of 2, got %v", product["stock"])
	}
}

func TestUpdateDebtAppliesOptimisticBalance(t *testing.T) {
	f := newRepoFixture(t, "clients")
	ctx := context.Background()
	if _, err := f.cache.Put(ctx, "clients", "c-1", map[string]any{
		"id":   "c-1",
		"name": "Ada",
		"debt": float64(20),
	}, time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clients := NewClientRepo(f.facade, f.submits, nil)

	if _, err := clients.UpdateDebt(ctx, "c-1", -15, "payment"); err != nil {
		t.Fatalf("update debt: %v", err)
	}
	client, err := f.cache.Get(ctx, "clients", "c-1")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if client["debt"].(float64) != 5 {
		t.Fatalf("expected debt 5, got %v", client["debt"])
	}
}

type fakeIssuer struct {
	calls int
}

func (f *fakeIssuer) IssueCredential(ctx context.Context, clientID string) (map[string]any, error) {
	f.calls++
	return map[string]any{"secret": "s3cret"}, nil
}

func TestIssueCredentialRequiresNetwork(t *testing.T) {
	f := newRepoFixture(t, "clients")
	issuer := &fakeIssuer{}
	clients := NewClientRepo(f.facade, f.submits, issuer)
	ctx := context.Background()

	f.online = false
	if _, err := clients.IssueCredential(ctx, "c-1"); !errors.Is(err, ErrNetworkRequired) {
		t.Fatalf("expected ErrNetworkRequired offline, got %v", err)
	}
	if issuer.calls != 0 {
		t.Fatalf("expected no issuer call offline, got %d", issuer.calls)
	}

	f.online = true
	out, err := clients.IssueCredential(ctx, "c-1")
	if err != nil {
		t.Fatalf("issue credential online: %v", err)
	}
	if out["secret"] != "s3cret" {
		t.Fatalf("expected minted secret, got %v", out)
	}
}

func TestCashRepoSubmitsMovementsAndEvents(t *testing.T) {
	submits := &fakeSubmitter{}
	cashRepo := NewCashRepo(submits)
	ctx := context.Background()

	if _, err := cashRepo.RegisterMovement(ctx, 100, "in", "float"); err != nil {
		t.Fatalf("register movement: %v", err)
	}
	if _, err := cashRepo.RegisterEvent(ctx, "open", "morning shift"); err != nil {
		t.Fatalf("register event: %v", err)
	}
	if len(submits.submitted) != 2 {
		t.Fatalf("expected two submissions, got %d", len(submits.submitted))
	}
	if submits.submitted[0] != syncengine.KindRegisterCashMovement || submits.submitted[1] != syncengine.KindRegisterCashEvent {
		t.Fatalf("unexpected kinds %v", submits.submitted)
	}
	if submits.lastFields["occurredAt"] == "" {
		t.Fatalf("expected occurredAt filled in, got %v", submits.lastFields)
	}
}
