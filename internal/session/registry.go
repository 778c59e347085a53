package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/logging"
	"github.com/synckit-go/replicate/internal/metrics"
)

// PresenceAction distinguishes a join from a leave in a Presence call.
type PresenceAction int

const (
	Join PresenceAction = iota
	Leave
)

// PresenceOptions carries the optional fields a join may set.
type PresenceOptions struct {
	User     string
	Profile  map[string]interface{}
	Cursor   int64
	Vector   []byte
	Interval time.Duration
}

// Registry is a map-of-maps of live Sessions, keyed by collection then
// by "document\x00client". It holds no storage reference: Compactor
// pulls what it needs through Active/MinAckedSeq/PruneStale.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session
	factor   float64
	log      zerolog.Logger
}

// New builds a Registry. timeoutFactor multiplies a join's reported
// heartbeat interval to get the scheduled disconnect delay; the spec
// default is 2.5.
func New(timeoutFactor float64) *Registry {
	if timeoutFactor <= 0 {
		timeoutFactor = 2.5
	}
	return &Registry{
		sessions: make(map[string]map[string]*Session),
		factor:   timeoutFactor,
		log:      logging.WithComponent("session"),
	}
}

func sessionKey(document, client string) string { return document + "\x00" + client }

// Presence upserts or tears down a session's connection state.
func (r *Registry) Presence(action PresenceAction, collection, document, client string, opts PresenceOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDoc := r.sessions[collection]
	if byDoc == nil {
		byDoc = make(map[string]*Session)
		r.sessions[collection] = byDoc
	}
	key := sessionKey(document, client)
	sess := byDoc[key]
	if sess == nil {
		sess = &Session{Collection: collection, Document: document, Client: client}
		byDoc[key] = sess
	}

	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}

	switch action {
	case Join:
		sess.Connected = true
		sess.Seen = time.Now()
		if opts.User != "" {
			sess.User = opts.User
		}
		if opts.Profile != nil {
			sess.Profile = opts.Profile
		}
		if opts.Cursor != 0 {
			sess.Cursor = opts.Cursor
		}
		if opts.Vector != nil {
			sess.Vector = opts.Vector
		}

		interval := opts.Interval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		timeout := time.Duration(float64(interval) * r.factor)
		sess.timer = time.AfterFunc(timeout, func() { r.expire(collection, key) })
		metrics.ActiveSessions.WithLabelValues(collection).Inc()

	case Leave:
		if sess.Connected {
			metrics.ActiveSessions.WithLabelValues(collection).Dec()
		}
		sess.Connected = false
		sess.Cursor = 0
	}
}

func (r *Registry) expire(collection, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDoc := r.sessions[collection]
	if byDoc == nil {
		return
	}
	sess, ok := byDoc[key]
	if !ok || !sess.Connected {
		return
	}
	sess.Connected = false
	sess.timer = nil
	metrics.ActiveSessions.WithLabelValues(collection).Dec()
	r.log.Debug().Str("collection", collection).Str("client", sess.Client).Msg("session heartbeat timed out")
}

// Mark advances a session's last-seen timestamp and, monotonically,
// its acknowledged seq and/or state vector. A seq lower than the one
// already recorded is ignored so a stale late reply cannot regress
// compaction eligibility for this peer.
func (r *Registry) Mark(collection, document, client string, seq int64, vector []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDoc := r.sessions[collection]
	if byDoc == nil {
		return
	}
	sess, ok := byDoc[sessionKey(document, client)]
	if !ok {
		return
	}
	sess.Seen = time.Now()
	if seq > sess.Seq {
		sess.Seq = seq
	}
	if vector != nil {
		sess.Vector = vector
	}
}

// Sessions returns the presence feed for (collection, document),
// deduplicated by user (falling back to client id), returning the
// most-recently-seen row per user. When connectedOnly is true, only
// live sessions are returned. exclude, if non-empty, omits that
// client's own row (so a peer never sees itself in the feed).
func (r *Registry) Sessions(collection, document string, connectedOnly bool, exclude string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDoc := r.sessions[collection]
	if byDoc == nil {
		return nil
	}

	latest := make(map[string]*Session)
	for key, sess := range byDoc {
		if sess.Document != document {
			continue
		}
		if exclude != "" && sess.Client == exclude {
			continue
		}
		if connectedOnly && !sess.Connected {
			continue
		}
		dedupe := sess.dedupeKey()
		if existing, ok := latest[dedupe]; !ok || sess.Seen.After(existing.Seen) {
			latest[dedupe] = sess
		}
		_ = key
	}

	out := make([]Session, 0, len(latest))
	for _, sess := range latest {
		out = append(out, *sess)
	}
	return out
}

// Active reports every session for (collection, document) that is
// either connected or has been seen within timeout — the compactor's
// finalize phase treats both as peers it must not strand.
func (r *Registry) Active(collection, document string, timeout time.Duration) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDoc := r.sessions[collection]
	if byDoc == nil {
		return nil
	}
	now := time.Now()
	var out []Session
	for _, sess := range byDoc {
		if sess.Document != document {
			continue
		}
		if sess.Connected || now.Sub(sess.Seen) < timeout {
			out = append(out, *sess)
		}
	}
	return out
}

// PruneStale removes sessions for (collection, document) that are
// disconnected and have not been seen within timeout, returning how
// many were removed.
func (r *Registry) PruneStale(collection, document string, timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDoc := r.sessions[collection]
	if byDoc == nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for key, sess := range byDoc {
		if sess.Document != document {
			continue
		}
		if !sess.Connected && now.Sub(sess.Seen) > timeout {
			if sess.timer != nil {
				sess.timer.Stop()
			}
			delete(byDoc, key)
			removed++
		}
	}
	return removed
}

// MinAckedSeq returns the lowest Seq acknowledged by any connected
// session on (collection, document), and whether any connected session
// exists at all. The compactor uses this as its peer-safety boundary:
// it must never prune a delta a connected peer has not yet observed.
func (r *Registry) MinAckedSeq(collection, document string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDoc := r.sessions[collection]
	if byDoc == nil {
		return 0, false
	}

	var min int64
	found := false
	for _, sess := range byDoc {
		if sess.Document != document || !sess.Connected {
			continue
		}
		if !found || sess.Seq < min {
			min = sess.Seq
			found = true
		}
	}
	return min, found
}
