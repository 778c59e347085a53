// Package docmanager implements ClientDocManager: the in-memory CRDT
// documents of a collection, and the translation between
// application-level mutations and the CRDT deltas that flow to cache
// and replicator.
package docmanager

import (
	"context"
	"sync"
	"time"

	"github.com/synckit-go/replicate/internal/client/cache"
	"github.com/synckit-go/replicate/internal/crdt"
)

// Manager owns every live CRDT document for one collection.
type Manager struct {
	collection string
	adapter    cache.StorageAdapter
	clientID   string

	mu        sync.Mutex
	docs      map[string]*crdt.Doc
	providers map[string]cache.Provider
}

func New(collection, clientID string, adapter cache.StorageAdapter) *Manager {
	return &Manager{
		collection: collection,
		adapter:    adapter,
		clientID:   clientID,
		docs:       make(map[string]*crdt.Doc),
		providers:  make(map[string]cache.Provider),
	}
}

func (m *Manager) identity(document string) string { return m.collection + ":" + document }

// GetOrCreate returns the CRDT doc for document, creating it (and, if
// an adapter is configured, attaching persistence immediately) on
// first access.
func (m *Manager) GetOrCreate(ctx context.Context, document string) (*crdt.Doc, error) {
	m.mu.Lock()
	if doc, ok := m.docs[document]; ok {
		m.mu.Unlock()
		return doc, nil
	}
	doc := crdt.New(m.identity(document))
	m.docs[document] = doc
	m.mu.Unlock()

	if m.adapter == nil {
		return doc, nil
	}

	provider, err := m.adapter.CreateDocPersistence(ctx, cache.Scope{Collection: m.collection, Document: document}, doc)
	if err != nil {
		m.mu.Lock()
		delete(m.docs, document)
		m.mu.Unlock()
		return nil, err
	}

	select {
	case <-provider.WhenSynced():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.providers[document] = provider
	m.mu.Unlock()
	return doc, nil
}

// ApplyUpdate applies a server-originated update to document.
func (m *Manager) ApplyUpdate(ctx context.Context, document string, update []byte) error {
	doc, err := m.GetOrCreate(ctx, document)
	if err != nil {
		return err
	}
	return doc.Apply(update, crdt.OriginServer)
}

// TransactWithDelta runs mut inside a CRDT transaction and returns a
// delta encoding just the change, the canonical way the client
// produces outbound bytes.
func (m *Manager) TransactWithDelta(ctx context.Context, document string, mut func(*crdt.TxView)) ([]byte, error) {
	doc, err := m.GetOrCreate(ctx, document)
	if err != nil {
		return nil, err
	}
	return doc.Transact(mut), nil
}

func (m *Manager) EncodeState(ctx context.Context, document string) ([]byte, error) {
	doc, err := m.GetOrCreate(ctx, document)
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateAsUpdate(), nil
}

func (m *Manager) EncodeStateVector(ctx context.Context, document string) ([]byte, error) {
	doc, err := m.GetOrCreate(ctx, document)
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateVector(), nil
}

// MarkDeleted writes the delete marker into document's _meta sub-map
// and returns the resulting delta, transmitted as a normal write. The
// materialized view treats _meta._deleted === true as absent.
func (m *Manager) MarkDeleted(ctx context.Context, document string) ([]byte, error) {
	return m.TransactWithDelta(ctx, document, func(tx *crdt.TxView) {
		tx.Set("_meta._deleted", true)
		tx.Set("_meta._deletedAt", time.Now().UnixMilli())
	})
}

// IsDeleted reports whether document carries the delete marker.
func IsDeleted(snapshot map[string]interface{}) bool {
	v, ok := snapshot["_meta._deleted"]
	if !ok {
		return false
	}
	deleted, _ := v.(bool)
	return deleted
}

// Delete destroys document's in-memory CRDT doc and tears down its provider.
func (m *Manager) Delete(document string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, document)
	if provider, ok := m.providers[document]; ok {
		delete(m.providers, document)
		return provider.Close()
	}
	return nil
}

// Known lists the name of every document currently resident in memory
// (plain document names, not "collection:document" identities).
func (m *Manager) Known() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs))
	for doc := range m.docs {
		out = append(out, doc)
	}
	return out
}
