package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tillworks/tillsync/internal/syncengine"
)

type stubAuthority struct{}

func (stubAuthority) Apply(ctx context.Context, kind syncengine.MutationKind, payload map[string]any) (syncengine.ApplyResult, error) {
	return syncengine.ApplyResult{}, nil
}

type offlineConnectivity struct{}

func (offlineConnectivity) Online() bool { return false }

func (offlineConnectivity) Subscribe(fn func(online bool)) (cancel func()) {
	return func() {}
}

func newTestServer(t *testing.T, adminToken string) (*Server, *syncengine.Engine, syncengine.DeadLetterStore) {
	t.Helper()
	dead := syncengine.NewMemoryDeadLetterStore()
	engine, err := syncengine.NewEngine(syncengine.EngineOptions{
		Authority:    stubAuthority{},
		DeadLetters:  dead,
		Connectivity: offlineConnectivity{},
	})
	if err != nil {
		t.Fatalf("expected engine, got error %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return NewServer(engine, ServerConfig{AdminToken: adminToken}), engine, dead
}

func doJSON(t *testing.T, server *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	return recorder
}

func TestSubmitEndpointAcceptsValidMutation(t *testing.T) {
	server, engine, _ := newTestServer(t, "")
	resp := doJSON(t, server, http.MethodPost, "/v1/mutations", "", map[string]any{
		"kind": "stock.adjust",
		"payload": map[string]any{
			"productId":  "p-1",
			"delta":      float64(2),
			"adjustedAt": "2026-02-01T10:00:00Z",
		},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] == "" {
		t.Fatalf("expected mutation id in response, got %v", body)
	}
	if len(engine.Pending()) != 1 {
		t.Fatalf("expected one pending mutation, got %d", len(engine.Pending()))
	}
}

func TestSubmitEndpointSchemaInvalid(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := doJSON(t, server, http.MethodPost, "/v1/mutations", "", map[string]any{
		"kind": "stock.adjust",
		"payload": map[string]any{
			"delta":      float64(2),
			"adjustedAt": "2026-02-01T10:00:00Z",
		},
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "schema_invalid" {
		t.Fatalf("expected schema_invalid code, got %v", body)
	}
	missing, _ := body["missingRequired"].([]any)
	if len(missing) != 1 || missing[0] != "productId" {
		t.Fatalf("expected missing productId, got %v", body["missingRequired"])
	}
}

func TestSubmitEndpointUnknownKind(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := doJSON(t, server, http.MethodPost, "/v1/mutations", "", map[string]any{
		"kind":    "order.place",
		"payload": map[string]any{},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := doJSON(t, server, http.MethodGet, "/v1/sync/status", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var status syncengine.Status
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.QueueCapacity != syncengine.DefaultMaxQueueSize {
		t.Fatalf("expected capacity %d, got %d", syncengine.DefaultMaxQueueSize, status.QueueCapacity)
	}
	if status.Online {
		t.Fatalf("expected offline status")
	}
}

func TestTriggerEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := doJSON(t, server, http.MethodPost, "/v1/sync/trigger", "", nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
}

func TestDeadLetterPurgeRequiresAdminToken(t *testing.T) {
	server, _, dead := newTestServer(t, "admin-secret")
	now := time.Now().UTC()
	if err := dead.Put(syncengine.DeadLetterItem{
		MutationItem:  syncengine.MutationItem{ID: "d-1", Kind: syncengine.KindAdjustStock},
		TerminalError: "boom",
		FailedAt:      now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := doJSON(t, server, http.MethodGet, "/v1/sync/deadletters", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected list to be readable without token, got %d", resp.Code)
	}

	resp = doJSON(t, server, http.MethodDelete, "/v1/sync/deadletters/d-1", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	resp = doJSON(t, server, http.MethodDelete, "/v1/sync/deadletters/d-1", "wrong", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.Code)
	}
	resp = doJSON(t, server, http.MethodDelete, "/v1/sync/deadletters/d-1", "admin-secret", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected purge with admin token, got %d: %s", resp.Code, resp.Body.String())
	}
	if dead.Size() != 0 {
		t.Fatalf("expected dead letter purged, got %d", dead.Size())
	}
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := doJSON(t, server, http.MethodPost, "/v1/session", "", map[string]any{
		"accessToken": "token",
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when admin token unset, got %d", resp.Code)
	}
}

func TestSessionEndpointStoresCredentials(t *testing.T) {
	server, engine, _ := newTestServer(t, "admin-secret")
	resp := doJSON(t, server, http.MethodPost, "/v1/session", "admin-secret", map[string]any{
		"accessToken": "token",
		"expiresAt":   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	// With credentials stored, a trigger should no longer halt.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engine.State() != syncengine.StateHalted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected engine not halted, got %s", engine.State())
}

func TestUnknownRoute(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := doJSON(t, server, http.MethodGet, "/v1/nope", "", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
