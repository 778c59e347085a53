// Package crdt supplies the concrete conflict-free merge algorithm
// behind the engine's otherwise-opaque update contract: mergeUpdates,
// encodeStateAsUpdate, encodeStateVector, diffUpdate, applyUpdate.
// Everything above this package (store, compactor, client/docmanager)
// treats a Doc's updates as opaque []byte blobs; only this package
// knows they are JSON-encoded last-writer-wins field operations.
//
// Field resolution follows the same shape as a vector-clock LWW
// register: causally dominant writes win outright, concurrent writes
// resolve by timestamp and then by peer id.
package crdt

import (
	"encoding/json"
	"sort"
	"sync"
)

// Origin tags where an update came from, so consumers can avoid
// feedback loops (e.g. never re-persist an update that just came from
// storage).
type Origin int

const (
	OriginLocal Origin = iota
	OriginServer
	OriginFragment
	OriginStorage
)

// register is a single field's LWW state.
type register struct {
	Value     interface{}
	Vector    VectorClock
	Timestamp int64
	PeerID    string
	Deleted   bool
}

// opEntry is the wire shape of a single field write inside an update
// blob.
type opEntry struct {
	Field     string                 `json:"field"`
	Value     interface{}            `json:"value,omitempty"`
	Vector    map[string]int64       `json:"vector"`
	Timestamp int64                  `json:"ts"`
	PeerID    string                 `json:"peer"`
	Deleted   bool                   `json:"deleted,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Doc is a last-writer-wins map CRDT: one register per field, plus an
// overall vector clock. It satisfies the engine's black-box update
// contract without any caller needing to know the resolution algorithm.
type Doc struct {
	mu        sync.Mutex
	peerID    string
	clock     VectorClock
	fields    map[string]*register
	listeners []func(update []byte, origin Origin)
}

// New creates an empty document owned by peerID. peerID is this
// process's tie-break identity — it must be stable per client/server
// instance, not per document.
func New(peerID string) *Doc {
	return &Doc{
		peerID: peerID,
		clock:  make(VectorClock),
		fields: make(map[string]*register),
	}
}

// Subscribe registers fn to be called whenever Apply or Transact
// produces a change, tagged with the origin of the triggering call.
// Used by client/cache.Provider to persist changes and by
// client/docmanager to fan updates out to editor bindings.
func (d *Doc) Subscribe(fn func(update []byte, origin Origin)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Doc) notify(update []byte, origin Origin) {
	for _, fn := range d.listeners {
		fn(update, origin)
	}
}

// Transact applies a batch of local field writes, produced by fn
// mutating a TxView, and returns the update blob that resulted — the
// value docmanager.Manager.TransactWithDelta forwards to the replicator
// for upload.
func (d *Doc) Transact(fn func(tx *TxView)) []byte {
	d.mu.Lock()
	d.clock = Advance(d.clock, d.peerID)
	tx := &TxView{doc: d, ts: nowMillis(), ops: nil}
	fn(tx)
	update, _ := json.Marshal(tx.ops)
	d.mu.Unlock()

	if len(tx.ops) > 0 {
		d.notify(update, OriginLocal)
	}
	return update
}

// TxView is the mutation surface handed to Doc.Transact callbacks.
type TxView struct {
	doc *Doc
	ts  int64
	ops []opEntry
}

// Set assigns value to field, recording it as this peer's write at the
// transaction's timestamp.
func (tx *TxView) Set(field string, value interface{}) {
	d := tx.doc
	d.fields[field] = &register{Value: value, Vector: Clone(d.clock), Timestamp: tx.ts, PeerID: d.peerID}
	tx.ops = append(tx.ops, opEntry{Field: field, Value: value, Vector: d.clock, Timestamp: tx.ts, PeerID: d.peerID})
}

// Delete tombstones field.
func (tx *TxView) Delete(field string) {
	d := tx.doc
	d.fields[field] = &register{Vector: Clone(d.clock), Timestamp: tx.ts, PeerID: d.peerID, Deleted: true}
	tx.ops = append(tx.ops, opEntry{Field: field, Vector: d.clock, Timestamp: tx.ts, PeerID: d.peerID, Deleted: true})
}

// Apply merges an update blob (local, server, or storage-originated)
// into the document, resolving each field by vector-clock dominance
// and falling back to timestamp/peer-id for concurrent writes — the
// same ordering as a classic LWW-register resolver. Apply is
// idempotent: re-applying an already-absorbed update is a no-op.
func (d *Doc) Apply(update []byte, origin Origin) error {
	if len(update) == 0 {
		return nil
	}
	var ops []opEntry
	if err := json.Unmarshal(update, &ops); err != nil {
		return err
	}

	d.mu.Lock()
	changed := false
	for _, op := range ops {
		incoming := VectorClock(op.Vector)
		existing, ok := d.fields[op.Field]
		if !ok {
			d.fields[op.Field] = toRegister(op)
			d.clock = Merge(d.clock, incoming)
			changed = true
			continue
		}

		switch Compare(existing.Vector, incoming) {
		case After:
			// existing dominates; nothing to do
		case Before:
			d.fields[op.Field] = toRegister(op)
			changed = true
		case Equal:
			// identical causal history; idempotent no-op
		case Concurrent:
			if resolveConcurrent(existing, op) {
				d.fields[op.Field] = toRegister(op)
				changed = true
			}
		}
		d.clock = Merge(d.clock, incoming)
	}
	d.mu.Unlock()

	if changed {
		d.notify(update, origin)
	}
	return nil
}

// resolveConcurrent decides whether an incoming concurrent write beats
// the existing register: higher timestamp wins, ties break on peer id.
func resolveConcurrent(existing *register, incoming opEntry) bool {
	if incoming.Timestamp != existing.Timestamp {
		return incoming.Timestamp > existing.Timestamp
	}
	return incoming.PeerID >= existing.PeerID
}

func toRegister(op opEntry) *register {
	return &register{Value: op.Value, Vector: VectorClock(op.Vector), Timestamp: op.Timestamp, PeerID: op.PeerID, Deleted: op.Deleted}
}

// Snapshot materializes the document's current field values (tombstones
// excluded), suitable for ClientDocManager.EncodeState's consumers or
// for rendering into application-visible structures.
func (d *Doc) Snapshot() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]interface{}, len(d.fields))
	for field, reg := range d.fields {
		if reg.Deleted {
			continue
		}
		out[field] = reg.Value
	}
	return out
}

// EncodeStateAsUpdate returns an update blob representing the entire
// document state, usable as a starting point by a peer with no prior
// history (the compactor calls this when building a snapshot).
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := make([]string, 0, len(d.fields))
	for field := range d.fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	ops := make([]opEntry, 0, len(fields))
	for _, field := range fields {
		reg := d.fields[field]
		ops = append(ops, opEntry{Field: field, Value: reg.Value, Vector: reg.Vector, Timestamp: reg.Timestamp, Deleted: reg.Deleted})
	}
	out, _ := json.Marshal(ops)
	return out
}

// EncodeStateVector returns the document's causal frontier, used by a
// peer to ask the server for exactly what it's missing.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, _ := json.Marshal(d.clock)
	return out
}

// LoadState replaces the document's contents with the result of
// decoding a full-state update (as produced by EncodeStateAsUpdate),
// used when hydrating a fresh Doc from a persisted snapshot.
func (d *Doc) LoadState(update []byte) error {
	return d.Apply(update, OriginStorage)
}

func nowMillis() int64 {
	return nowFunc().UnixNano() / int64(1e6)
}
