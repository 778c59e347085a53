// Package replicator implements ClientReplicator: the startup
// sequence and steady-state loop that keeps the local CRDT documents
// and cache consistent with the server's event log.
package replicator

import "context"

// PresenceAction mirrors session.PresenceAction on the wire side, kept
// separate so this package never imports the server-side session type.
type PresenceAction int

const (
	PresenceJoin PresenceAction = iota
	PresenceLeave
)

type PresenceOptions struct {
	Collection string
	Document   string
	Client     string
	User       string
	Profile    map[string]interface{}
	Cursor     int64
	Vector     []byte
	Interval   int64 // milliseconds
}

// Change is one delta or snapshot entry in a Stream/Recovery result.
type Change struct {
	Collection string
	Document   string
	Bytes      []byte
	Seq        int64
	IsSnapshot bool
	Exists     bool
}

type StreamResult struct {
	Changes   []Change
	Cursor    int64
	Disparity bool
}

// RecoveryResult is the diff-based response to a per-document Recovery
// call: the bytes the peer's vector was missing, plus the server's
// vector for the state that diff was computed against. Exists is
// false when the server has no baseline for the document yet.
type RecoveryResult struct {
	Exists bool
	Diff   []byte
	Vector []byte
	Seq    int64
}

// UploadOp is one outbound mutation: an insert/update/delete of a
// document's CRDT bytes, or a standalone fragment/prose sync.
type UploadOp struct {
	Collection string
	Document   string
	Bytes      []byte
	Kind       string // "insert" | "update" | "delete" | "prose"
}

// ServerLink is everything the replicator needs from a transport. The
// production implementation is WSLink; tests drive an in-process fake.
type ServerLink interface {
	Stream(ctx context.Context, collection string, cursor, limit int64) (StreamResult, error)
	Recovery(ctx context.Context, collection, document string, vector []byte) (RecoveryResult, error)
	Upload(ctx context.Context, op UploadOp) error
	Presence(ctx context.Context, action PresenceAction, opts PresenceOptions) error
	Mark(ctx context.Context, collection, document string, seq int64, vector []byte) error
}
