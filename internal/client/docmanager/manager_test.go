package docmanager

import (
	"context"
	"testing"

	"github.com/synckit-go/replicate/internal/client/cache"
	"github.com/synckit-go/replicate/internal/crdt"
)

func TestTransactWithDeltaAppliesLocallyAndReturnsDelta(t *testing.T) {
	ctx := context.Background()
	mgr := New("docs", "client-1", cache.NewMemoryAdapter())

	delta, err := mgr.TransactWithDelta(ctx, "a", func(tx *crdt.TxView) {
		tx.Set("title", "hello")
	})
	if err != nil {
		t.Fatalf("TransactWithDelta: %v", err)
	}
	if len(delta) == 0 {
		t.Fatalf("expected non-empty delta")
	}

	doc, err := mgr.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if doc.Snapshot()["title"] != "hello" {
		t.Fatalf("expected local transact to apply synchronously")
	}
}

func TestApplyUpdatePropagatesServerOrigin(t *testing.T) {
	ctx := context.Background()
	writer := New("docs", "client-1", cache.NewMemoryAdapter())
	update, err := writer.TransactWithDelta(ctx, "a", func(tx *crdt.TxView) { tx.Set("title", "hello") })
	if err != nil {
		t.Fatalf("TransactWithDelta: %v", err)
	}

	reader := New("docs", "client-2", cache.NewMemoryAdapter())
	if err := reader.ApplyUpdate(ctx, "a", update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	doc, err := reader.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if doc.Snapshot()["title"] != "hello" {
		t.Fatalf("expected applied update to be visible")
	}
}

func TestMarkDeletedSetsMetaFlag(t *testing.T) {
	ctx := context.Background()
	mgr := New("docs", "client-1", cache.NewMemoryAdapter())

	if _, err := mgr.MarkDeleted(ctx, "a"); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	doc, err := mgr.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !IsDeleted(doc.Snapshot()) {
		t.Fatalf("expected document to carry the delete marker")
	}
}

func TestDeleteTearsDownDocAndProvider(t *testing.T) {
	ctx := context.Background()
	mgr := New("docs", "client-1", cache.NewMemoryAdapter())

	if _, err := mgr.GetOrCreate(ctx, "a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := mgr.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(mgr.Known()) != 0 {
		t.Fatalf("expected no known documents after Delete")
	}
}
