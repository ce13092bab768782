package syncengine

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFileDeadLetterStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletters.json")
	store, err := NewFileDeadLetterStore(path)
	if err != nil {
		t.Fatalf("expected store, got error %v", err)
	}
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	newer := DeadLetterItem{MutationItem: stockItem("newer", base), TerminalError: "late", FailedAt: base.Add(time.Minute)}
	older := DeadLetterItem{MutationItem: stockItem("older", base), TerminalError: "early", FailedAt: base}
	if err := store.Put(newer); err != nil {
		t.Fatalf("put newer: %v", err)
	}
	if err := store.Put(older); err != nil {
		t.Fatalf("put older: %v", err)
	}

	items := store.List()
	if len(items) != 2 || items[0].ID != "older" || items[1].ID != "newer" {
		t.Fatalf("expected FailedAt ordering, got %+v", items)
	}

	reopened, err := NewFileDeadLetterStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Size() != 2 {
		t.Fatalf("expected 2 items after reopen, got %d", reopened.Size())
	}
	item, ok := reopened.Get("older")
	if !ok || item.TerminalError != "early" {
		t.Fatalf("expected persisted terminal error, got %+v ok=%v", item, ok)
	}

	if err := reopened.Purge("older"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := reopened.Purge("older"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double purge, got %v", err)
	}
}

func TestFileCorruptedStoreRecordsFieldDiagnosis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupted.json")
	store, err := NewFileCorruptedStore(path)
	if err != nil {
		t.Fatalf("expected store, got error %v", err)
	}
	now := time.Now().UTC()
	item := CorruptedItem{
		MutationItem:    stockItem("drifted", now),
		QuarantinedAt:   now,
		MissingRequired: []string{"adjustedAt"},
		Unexpected:      []string{"warehouse"},
	}
	if err := store.Put(item); err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened, err := NewFileCorruptedStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("drifted")
	if !ok {
		t.Fatalf("expected corrupted item after reopen")
	}
	if len(got.MissingRequired) != 1 || got.MissingRequired[0] != "adjustedAt" {
		t.Fatalf("expected missing field preserved, got %v", got.MissingRequired)
	}
	if len(got.Unexpected) != 1 || got.Unexpected[0] != "warehouse" {
		t.Fatalf("expected unexpected field preserved, got %v", got.Unexpected)
	}
	ids := reopened.IDs()
	if len(ids) != 1 || ids[0] != "drifted" {
		t.Fatalf("expected ids [drifted], got %v", ids)
	}
}
