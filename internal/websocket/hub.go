package websocket

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/compactor"
	"github.com/synckit-go/replicate/internal/identity"
	"github.com/synckit-go/replicate/internal/logging"
	"github.com/synckit-go/replicate/internal/protocol"
	"github.com/synckit-go/replicate/internal/security"
	"github.com/synckit-go/replicate/internal/session"
	"github.com/synckit-go/replicate/internal/store"
)

// Hub maintains active connections and routes decoded messages into
// the replication core: ServerLog for deltas/snapshots, Registry for
// presence, and Runner for compaction triggers.
type Hub struct {
	log           *store.ServerLog
	sessions      *session.Registry
	compactor     *compactor.Runner
	authenticator identity.Authenticator
	authRequired  bool

	connections map[string]*Connection
	mu          sync.RWMutex

	// subscribers tracks who gets pushed a live fanout of a document's
	// deltas and presence roster, keyed by "collection\x00document".
	subscribers map[string]map[string]bool

	// broadcast fans deltas out to other server processes sharing a
	// collection. Nil when running as a single instance (no RedisURL
	// configured), in which case only local subscribers get pushed.
	broadcast     *store.Broadcast
	broadcastSubs map[string]bool

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent

	stopChan chan struct{}
	logger   zerolog.Logger
}

// MessageEvent represents a message from a connection
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

// NewHub wires a Hub against the replication core's collaborators.
// broadcast may be nil, in which case delta fanout stays local to this
// process.
func NewHub(serverLog *store.ServerLog, sessions *session.Registry, runner *compactor.Runner, authenticator identity.Authenticator, authRequired bool, broadcast *store.Broadcast) *Hub {
	return &Hub{
		log:           serverLog,
		sessions:      sessions,
		compactor:     runner,
		authenticator: authenticator,
		authRequired:  authRequired,
		connections:   make(map[string]*Connection),
		subscribers:   make(map[string]map[string]bool),
		broadcast:     broadcast,
		broadcastSubs: make(map[string]bool),
		stopChan:      make(chan struct{}),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
		logger:        logging.WithComponent("websocket"),
	}
}

func docKey(collection, document string) string { return collection + "\x00" + document }

// Run starts the hub's event loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopChan:
			return

		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()

		case conn := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				for key := range conn.Subscriptions {
					if subs, exists := h.subscribers[key]; exists {
						delete(subs, conn.ID)
						if len(subs) == 0 {
							delete(h.subscribers, key)
						}
					}
				}
				delete(h.connections, conn.ID)
				close(conn.send)
			}
			h.mu.Unlock()

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)
		}
	}
}

// Stop gracefully stops the hub
func (h *Hub) Stop() {
	close(h.stopChan)
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	ctx := context.Background()

	switch msg.Type {
	case protocol.TypePing:
		conn.SendMessage(protocol.TypePong, map[string]interface{}{
			"id":        msg.ID,
			"timestamp": time.Now().UnixMilli(),
		})

	case protocol.TypeAuth:
		h.handleAuth(ctx, conn, msg)

	case protocol.TypeSubscribe:
		h.handleSubscribe(ctx, conn, msg)

	case protocol.TypeUnsubscribe:
		h.handleUnsubscribe(conn, msg)

	case protocol.TypeDelta:
		h.handleUpload(ctx, conn, msg)

	case protocol.TypeStreamRequest:
		h.handleStreamRequest(ctx, conn, msg)

	case protocol.TypeRecoveryRequest:
		h.handleRecoveryRequest(ctx, conn, msg)

	case protocol.TypeMark:
		h.handleMark(conn, msg)

	case protocol.TypePresence:
		h.handlePresence(conn, msg)
	}
}

func (h *Hub) handleAuth(ctx context.Context, conn *Connection, msg *protocol.Message) {
	token, _ := msg.Payload["token"].(string)

	if token == "" {
		if h.authRequired {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"id":        msg.ID,
				"timestamp": time.Now().UnixMilli(),
				"error":     "Authentication required",
				"code":      "AUTH_REQUIRED",
			})
			return
		}
		conn.Authenticated = true
		conn.Identity = identity.Anonymous
	} else {
		id, err := h.authenticator.Authenticate(ctx, token)
		if err != nil {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"id":        msg.ID,
				"timestamp": time.Now().UnixMilli(),
				"error":     "Invalid or expired token",
				"code":      "INVALID_TOKEN",
			})
			return
		}
		conn.Authenticated = true
		conn.Identity = id
	}

	if clientID, ok := msg.Payload["clientId"].(string); ok && clientID != "" {
		conn.ClientID = clientID
	} else {
		conn.ClientID = generateID()
	}

	conn.SendMessage(protocol.TypeAuthSuccess, map[string]interface{}{
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
		"userId":    string(conn.Identity),
		"clientId":  conn.ClientID,
	})
}

func (h *Hub) handleSubscribe(ctx context.Context, conn *Connection, msg *protocol.Message) {
	collection, _ := msg.Payload["collection"].(string)
	document, _ := msg.Payload["document"].(string)
	if valid, reason := security.ValidateIdentifier(collection); !valid {
		conn.SendError(msg.ID, "Invalid collection: "+reason, "INVALID_REQUEST")
		return
	}
	if valid, reason := security.ValidateIdentifier(document); !valid {
		conn.SendError(msg.ID, "Invalid document: "+reason, "INVALID_REQUEST")
		return
	}
	if !conn.Authenticated {
		conn.SendError(msg.ID, "Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	if conn.SecurityManager != nil {
		if allowed, reason := conn.SecurityManager.SubscriptionLimiter.CanSubscribe(conn.ClientIP); !allowed {
			conn.SendError(msg.ID, reason, "SUBSCRIPTION_LIMIT_EXCEEDED")
			return
		}
		conn.SecurityManager.SubscriptionLimiter.RecordSubscription(conn.ClientIP)
	}

	key := docKey(collection, document)
	conn.Subscriptions[key] = true
	h.mu.Lock()
	if h.subscribers[key] == nil {
		h.subscribers[key] = make(map[string]bool)
	}
	h.subscribers[key][conn.ID] = true
	h.mu.Unlock()
	h.ensureBroadcastSubscription(ctx, collection)

	state, err := h.log.DocumentState(ctx, collection, document)
	exists := err == nil
	conn.SendMessage(protocol.TypeSyncResponse, map[string]interface{}{
		"id":         msg.ID,
		"timestamp":  time.Now().UnixMilli(),
		"collection": collection,
		"document":   document,
		"bytes":      state,
		"exists":     exists,
	})
}

func (h *Hub) handleUnsubscribe(conn *Connection, msg *protocol.Message) {
	collection, _ := msg.Payload["collection"].(string)
	document, _ := msg.Payload["document"].(string)
	key := docKey(collection, document)

	delete(conn.Subscriptions, key)
	h.mu.Lock()
	if subs, exists := h.subscribers[key]; exists {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleUpload(ctx context.Context, conn *Connection, msg *protocol.Message) {
	if !conn.Authenticated {
		conn.SendError(msg.ID, "Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	collection, _ := msg.Payload["collection"].(string)
	document, _ := msg.Payload["document"].(string)
	if collection == "" || document == "" {
		conn.SendError(msg.ID, "Missing collection/document", "INVALID_REQUEST")
		return
	}

	raw, err := decodeBytesField(msg.Payload["bytes"])
	if err != nil {
		conn.SendError(msg.ID, "Invalid bytes payload", "INVALID_REQUEST")
		return
	}

	seq, err := h.log.AppendDelta(ctx, collection, document, conn.ClientID, raw)
	if err != nil {
		conn.SendError(msg.ID, err.Error(), "STORAGE_ERROR")
		return
	}

	h.compactor.Trigger(collection, document)

	// With cross-process broadcast configured, local fanout happens
	// through the pub/sub loop-back below (Subscribe delivers a
	// process's own publishes too) so every server instance reaches
	// its local subscribers through one path. Without it, fan out
	// directly to this process's local subscribers only.
	if h.broadcast != nil {
		if err := h.broadcast.Publish(ctx, store.DeltaEvent{
			Collection: collection,
			Document:   document,
			Seq:        seq,
			ClientID:   conn.ClientID,
			Bytes:      raw,
		}); err != nil {
			h.logger.Warn().Err(err).Str("collection", collection).Msg("failed to publish delta to other server processes")
			h.broadcastDelta(collection, document, raw, seq, conn.ClientID)
		}
	} else {
		h.broadcastDelta(collection, document, raw, seq, conn.ClientID)
	}

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"id":         msg.ID,
		"timestamp":  time.Now().UnixMilli(),
		"collection": collection,
		"document":   document,
		"seq":        seq,
	})
}

// ensureBroadcastSubscription subscribes this process to a collection's
// cross-server delta channel the first time a local client subscribes
// to any document in it. Deltas appended by other server processes
// arrive here and get pushed to this process's local subscribers.
func (h *Hub) ensureBroadcastSubscription(ctx context.Context, collection string) {
	if h.broadcast == nil {
		return
	}
	h.mu.Lock()
	if h.broadcastSubs[collection] {
		h.mu.Unlock()
		return
	}
	h.broadcastSubs[collection] = true
	h.mu.Unlock()

	if err := h.broadcast.Subscribe(ctx, collection, func(evt store.DeltaEvent) {
		h.broadcastDelta(evt.Collection, evt.Document, evt.Bytes, evt.Seq, evt.ClientID)
	}); err != nil {
		h.logger.Warn().Err(err).Str("collection", collection).Msg("failed to subscribe to cross-server delta channel")
	}
}

func (h *Hub) handleStreamRequest(ctx context.Context, conn *Connection, msg *protocol.Message) {
	if !conn.Authenticated {
		conn.SendError(msg.ID, "Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	collection, _ := msg.Payload["collection"].(string)
	cursor := int64FromPayload(msg.Payload["cursor"])
	limit := int64FromPayload(msg.Payload["limit"])
	if limit <= 0 {
		limit = 200
	}

	result, err := h.log.Stream(ctx, collection, cursor, int(limit))
	if err != nil {
		conn.SendError(msg.ID, err.Error(), "STORAGE_ERROR")
		return
	}

	changes := make([]protocol.Change, 0, len(result.Changes))
	for _, c := range result.Changes {
		changes = append(changes, toProtocolChange(c.Collection, c.Document, c.Bytes, c.Seq, c.IsSnapshot, c.Exists))
	}
	conn.SendMessage(protocol.TypeStreamResponse, map[string]interface{}{
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
		"changes":   changes,
		"cursor":    result.Cursor,
		"disparity": result.Disparity,
	})
}

func (h *Hub) handleRecoveryRequest(ctx context.Context, conn *Connection, msg *protocol.Message) {
	if !conn.Authenticated {
		conn.SendError(msg.ID, "Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	collection, _ := msg.Payload["collection"].(string)
	document, _ := msg.Payload["document"].(string)
	vector, err := decodeBytesField(msg.Payload["vector"])
	if err != nil {
		conn.SendError(msg.ID, "Invalid vector: "+err.Error(), "INVALID_REQUEST")
		return
	}

	result, err := h.log.Recovery(ctx, collection, document, vector)
	if err != nil {
		conn.SendError(msg.ID, err.Error(), "STORAGE_ERROR")
		return
	}

	conn.SendMessage(protocol.TypeRecoveryResponse, map[string]interface{}{
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
		"exists":    result.Exists,
		"diff":      result.Diff,
		"vector":    result.Vector,
		"seq":       result.Seq,
	})
}

func (h *Hub) handleMark(conn *Connection, msg *protocol.Message) {
	collection, _ := msg.Payload["collection"].(string)
	document, _ := msg.Payload["document"].(string)
	seq := int64FromPayload(msg.Payload["seq"])
	vector, _ := decodeBytesField(msg.Payload["vector"])

	h.sessions.Mark(collection, document, conn.ClientID, seq, vector)
	h.compactor.Trigger(collection, document)

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *Hub) handlePresence(conn *Connection, msg *protocol.Message) {
	collection, _ := msg.Payload["collection"].(string)
	document, _ := msg.Payload["document"].(string)
	client, _ := msg.Payload["client"].(string)
	actionName, _ := msg.Payload["action"].(string)
	if client == "" {
		client = conn.ClientID
	}

	action := session.Join
	if actionName == "leave" {
		action = session.Leave
	}

	opts := session.PresenceOptions{
		Cursor: int64FromPayload(msg.Payload["cursor"]),
	}
	if user, ok := msg.Payload["user"].(string); ok {
		opts.User = user
	}
	if profile, ok := msg.Payload["profile"].(map[string]interface{}); ok {
		opts.Profile = profile
	}
	if vector, err := decodeBytesField(msg.Payload["vector"]); err == nil && len(vector) > 0 {
		opts.Vector = vector
	}
	if interval := int64FromPayload(msg.Payload["interval"]); interval > 0 {
		opts.Interval = time.Duration(interval) * time.Millisecond
	}

	h.sessions.Presence(action, collection, document, client, opts)
	h.broadcastPresence(collection, document, conn.ID)

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *Hub) broadcastDelta(collection, document string, bytes []byte, seq int64, senderClientID string) {
	key := docKey(collection, document)
	h.mu.RLock()
	subs := h.subscribers[key]
	h.mu.RUnlock()
	if subs == nil {
		return
	}

	for connID := range subs {
		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()
		if conn == nil || conn.ClientID == senderClientID {
			continue
		}
		conn.SendMessage(protocol.TypeDelta, map[string]interface{}{
			"id":         generateID(),
			"timestamp":  time.Now().UnixMilli(),
			"collection": collection,
			"document":   document,
			"bytes":      bytes,
			"seq":        seq,
		})
	}
}

func (h *Hub) broadcastPresence(collection, document string, senderID string) {
	key := docKey(collection, document)
	h.mu.RLock()
	subs := h.subscribers[key]
	h.mu.RUnlock()
	if subs == nil {
		return
	}

	roster := h.sessions.Sessions(collection, document, true, "")
	entries := make([]map[string]interface{}, 0, len(roster))
	for _, sess := range roster {
		entries = append(entries, map[string]interface{}{
			"client":  sess.Client,
			"user":    sess.User,
			"profile": sess.Profile,
		})
	}

	for connID := range subs {
		if connID == senderID {
			continue
		}
		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()
		if conn == nil {
			continue
		}
		conn.SendMessage(protocol.TypePresence, map[string]interface{}{
			"id":         generateID(),
			"timestamp":  time.Now().UnixMilli(),
			"collection": collection,
			"document":   document,
			"roster":     entries,
		})
	}
}

func toProtocolChange(collection, document string, bytes []byte, seq int64, isSnapshot, exists bool) protocol.Change {
	kind := "delta"
	if isSnapshot {
		kind = "snapshot"
	}
	e := exists
	return protocol.Change{Collection: collection, Document: document, Bytes: bytes, Seq: seq, Kind: kind, Exists: &e}
}

// decodeBytesField reads a []byte payload field. json.Marshal encodes
// []byte as a base64 string, and decoding into map[string]interface{}
// leaves it as that string rather than restoring the []byte — this
// undoes the encoding on the way back.
func decodeBytesField(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return val, nil
	case string:
		if val == "" {
			return nil, nil
		}
		return base64.StdEncoding.DecodeString(val)
	default:
		return nil, nil
	}
}

func int64FromPayload(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func generateID() string {
	return uuid.NewString()
}
