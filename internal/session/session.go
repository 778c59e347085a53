// Package session implements SessionRegistry: per-peer presence,
// cursor, and state-vector tracking that gates which deltas the
// compactor may safely prune. It never touches storage directly —
// Compactor reads Sessions to compute the peer-safety boundary.
package session

import "time"

// Session is a peer's presence and sync-progress record for one
// (collection, document). At most one Session exists per
// (collection, document, client).
type Session struct {
	Collection string
	Document   string
	Client     string
	User       string
	Profile    map[string]interface{}
	Vector     []byte
	Cursor     int64
	Seq        int64
	Connected  bool
	Seen       time.Time

	timer *time.Timer
}

func (s *Session) dedupeKey() string {
	if s.User != "" {
		return s.User
	}
	return s.Client
}
