// Package cache implements ClientCache: the durable local store for a
// client's deltas, snapshots, and a small key-value namespace,
// exposed behind the StorageAdapter contract so the CRDT layer above
// it never knows whether it's backed by bbolt, badger, or memory.
package cache

import (
	"context"

	"github.com/synckit-go/replicate/internal/crdt"
)

// Scope identifies the document a Provider persists.
type Scope struct {
	Collection string
	Document   string
}

func (s Scope) key() string { return s.Collection + ":" + s.Document }

// Provider bridges a live CRDT document to storage: it subscribes to
// the document's update stream, filters out updates whose origin is
// the storage layer itself (to prevent replay loops), and persists
// every other update.
type Provider interface {
	// WhenSynced closes once the document has been hydrated from the
	// snapshot (if any) and had its deltas replayed in insertion order.
	WhenSynced() <-chan struct{}
	// Flush blocks until every pending write has reached the backend.
	Flush(ctx context.Context) error
	Close() error
}

// KVStore is a small JSON-serializable key-value namespace used for
// clientId and per-collection cursors.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}

// MigrationDatabase is the run/exec/get/all shim the migration engine
// drives; only SQL-shaped adapters need implement it meaningfully.
type MigrationDatabase interface {
	Exec(ctx context.Context, stmt string, args ...interface{}) error
	Get(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error)
	All(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)
}

// StorageAdapter is the contract every persistence backend implements.
type StorageAdapter interface {
	CreateDocPersistence(ctx context.Context, scope Scope, doc *crdt.Doc) (Provider, error)
	ListDocuments(ctx context.Context, prefix string) ([]string, error)
	KV() KVStore
	DB() MigrationDatabase // nil unless SQL-shaped
	Close() error

	// SaveSnapshot collapses a document's delta history into a single
	// baseline blob, bounding on-disk growth between server recoveries.
	SaveSnapshot(ctx context.Context, scope Scope, bytes []byte) error
	// Reset wipes a document's cached snapshot and deltas — used by the
	// migration engine's "reset" recovery action. Cursors kept in KV are
	// not touched; migration.Engine.Reset deletes the stream cursor itself.
	Reset(ctx context.Context, scope Scope) error
}
