package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/crdt"
	"github.com/synckit-go/replicate/internal/logging"
)

// rawStore is the minimal bucketed byte-store contract the bbolt,
// badger, and memory adapters each implement. Sharing this interface
// keeps the hydrate/persist/KV logic in one place instead of
// triplicated per backend.
type rawStore interface {
	Get(bucket, key string) ([]byte, bool, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	ForEach(bucket string, fn func(key string, value []byte) error) error
	Close() error
}

const (
	bucketSnapshots = "snapshots"
	bucketDeltas    = "deltas"
	bucketKV        = "kv"
	bucketSchema    = "schema"
)

// genericAdapter implements StorageAdapter over any rawStore.
type genericAdapter struct {
	raw rawStore
	kv  *genericKV
	db  MigrationDatabase
}

func newGenericAdapter(raw rawStore, db MigrationDatabase) *genericAdapter {
	return &genericAdapter{raw: raw, kv: &genericKV{raw: raw}, db: db}
}

func (a *genericAdapter) CreateDocPersistence(ctx context.Context, scope Scope, doc *crdt.Doc) (Provider, error) {
	p := &genericProvider{raw: a.raw, scope: scope, synced: make(chan struct{}), log: logging.WithComponent("cache")}
	if err := p.hydrate(doc); err != nil {
		return nil, err
	}
	close(p.synced)

	doc.Subscribe(func(update []byte, origin crdt.Origin) {
		if origin == crdt.OriginStorage {
			return
		}
		p.persist(update)
	})
	return p, nil
}

func (a *genericAdapter) ListDocuments(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	err := a.raw.ForEach(bucketSnapshots, func(key string, _ []byte) error {
		if hasPrefix(key, prefix) && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = a.raw.ForEach(bucketDeltas, func(key string, _ []byte) error {
		doc, _ := splitDeltaKey(key)
		if hasPrefix(doc, prefix) && !seen[doc] {
			seen[doc] = true
			out = append(out, doc)
		}
		return nil
	})
	return out, err
}

func (a *genericAdapter) KV() KVStore          { return a.kv }
func (a *genericAdapter) DB() MigrationDatabase { return a.db }
func (a *genericAdapter) Close() error          { return a.raw.Close() }

func (a *genericAdapter) SaveSnapshot(ctx context.Context, scope Scope, bytes []byte) error {
	key := scope.key()
	if err := a.raw.Put(bucketSnapshots, key, bytes); err != nil {
		return err
	}
	var stale []string
	err := a.raw.ForEach(bucketDeltas, func(storedKey string, _ []byte) error {
		doc, _ := splitDeltaKey(storedKey)
		if doc == key {
			stale = append(stale, storedKey)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := a.raw.Delete(bucketDeltas, k); err != nil {
			return err
		}
	}
	return nil
}

func (a *genericAdapter) Reset(ctx context.Context, scope Scope) error {
	key := scope.key()
	if err := a.raw.Delete(bucketSnapshots, key); err != nil {
		return err
	}
	var stale []string
	err := a.raw.ForEach(bucketDeltas, func(storedKey string, _ []byte) error {
		doc, _ := splitDeltaKey(storedKey)
		if doc == key {
			stale = append(stale, storedKey)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := a.raw.Delete(bucketDeltas, k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// genericProvider persists one document's updates: a snapshot slot
// plus an append-only, insertion-ordered sequence of delta blobs.
// Loading replays the snapshot then every delta in order, which is
// deterministic regardless of how many times it has happened before —
// applying a CRDT update twice is a no-op.
type genericProvider struct {
	raw    rawStore
	scope  Scope
	synced chan struct{}
	log    zerolog.Logger

	mu      sync.Mutex
	counter int64
}

func (p *genericProvider) WhenSynced() <-chan struct{} { return p.synced }

func (p *genericProvider) hydrate(doc *crdt.Doc) error {
	key := p.scope.key()
	if snap, ok, err := p.raw.Get(bucketSnapshots, key); err != nil {
		return err
	} else if ok {
		if err := doc.LoadState(snap); err != nil {
			return err
		}
	}

	var deltas []struct {
		seq   int64
		bytes []byte
	}
	err := p.raw.ForEach(bucketDeltas, func(storedKey string, value []byte) error {
		doc, seq := splitDeltaKey(storedKey)
		if doc != key {
			return nil
		}
		deltas = append(deltas, struct {
			seq   int64
			bytes []byte
		}{seq, value})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].seq < deltas[j].seq })

	for _, d := range deltas {
		if err := doc.Apply(d.bytes, crdt.OriginStorage); err != nil {
			return err
		}
		if d.seq > p.counter {
			p.counter = d.seq
		}
	}
	return nil
}

func (p *genericProvider) persist(update []byte) {
	p.mu.Lock()
	p.counter++
	seq := p.counter
	p.mu.Unlock()

	if err := p.raw.Put(bucketDeltas, deltaKey(p.scope.key(), seq), update); err != nil {
		p.log.Error().Err(err).Str("document", p.scope.key()).Msg("failed to persist delta")
	}
}

// Flush is a no-op for the synchronous bbolt/badger/memory writers:
// persist() already blocks until the write lands before returning.
func (p *genericProvider) Flush(ctx context.Context) error { return nil }

func (p *genericProvider) Close() error { return nil }

func deltaKey(doc string, seq int64) string {
	return fmt.Sprintf("%s\x00%020d", doc, seq)
}

func splitDeltaKey(key string) (doc string, seq int64) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == 0 {
			doc = key[:i]
			seq, _ = strconv.ParseInt(key[i+1:], 10, 64)
			return doc, seq
		}
	}
	return key, 0
}

type genericKV struct {
	raw rawStore
}

func (k *genericKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return k.raw.Get(bucketKV, key)
}

func (k *genericKV) Set(ctx context.Context, key string, value []byte) error {
	return k.raw.Put(bucketKV, key, value)
}

func (k *genericKV) Del(ctx context.Context, key string) error {
	return k.raw.Delete(bucketKV, key)
}
