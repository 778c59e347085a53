// Package store implements ServerLog: the append-only delta/snapshot
// log collections replicate against, backed by a pluggable Backend.
// Sequence numbers are per-collection and strictly increasing; the
// log never reorders or rewrites history except through Compactor's
// controlled pruning.
package store

import "time"

// Delta is a single opaque CRDT update appended by one client.
type Delta struct {
	Collection string
	Document   string
	Seq        int64
	ClientID   string
	Bytes      []byte
	CreatedAt  time.Time
}

// Snapshot is a point-in-time full document state, produced by the
// compactor by merging a prior snapshot with the deltas up to Seq.
type Snapshot struct {
	Collection  string
	Document    string
	Seq         int64
	Bytes       []byte
	StateVector []byte
	CreatedAt   time.Time
}

// DeltaCount reports, per collection, how many deltas are outstanding
// and the oldest seq still retained. Stream does not use it; it
// detects disparity through Backend.OldestDeltaSeq.
type DeltaCount struct {
	Collection string
	Count      int64
	OldestSeq  int64
}

// Change is the stream/recovery result unit returned to a replicator;
// it is the store-internal counterpart of protocol.Change.
type Change struct {
	Collection string
	Document   string
	Bytes      []byte
	Seq        int64
	IsSnapshot bool
	Exists     bool
}

// StreamResult is the response to a Stream call.
type StreamResult struct {
	Changes   []Change
	Cursor    int64 // highest seq included; callers persist this as their new cursor
	Disparity bool  // true if the requested cursor was below the oldest retained delta
}

// RecoveryResult is the response to a per-document Recovery call: the
// minimal diff the peer's vector is missing, plus the server's
// authoritative state vector for the recovered document. Exists is
// false when the document has not been created on the server yet, in
// which case Diff and Vector are both nil.
type RecoveryResult struct {
	Exists bool
	Diff   []byte
	Vector []byte
	Seq    int64
}
