package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/logging"
	"github.com/synckit-go/replicate/internal/protocol"
)

// Ping/pong timing mirrors the server's own Connection: the dialer
// side of the same wire idiom, not a server accepting an upgrade.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// PushHandler receives server-initiated messages that aren't a
// response to an outstanding request: delta/snapshot fanout and
// presence broadcasts arriving between request/response round trips.
type PushHandler func(msg *protocol.Message)

// WSLink is the production ServerLink: a gorilla/websocket client
// dialing the server's replication endpoint and speaking the same
// binary envelope the server's Connection decodes on the other end.
type WSLink struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	onPush PushHandler

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	closed  bool
	closeCh chan struct{}
}

// DialWSLink connects to url and starts the read/write pumps. header
// carries auth (e.g. a bearer token) the way the server's upgrade
// handler expects it.
func DialWSLink(ctx context.Context, url string, header http.Header, onPush PushHandler) (*WSLink, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("replicator: dial %s: %w", url, err)
	}

	l := &WSLink{
		conn:    conn,
		send:    make(chan []byte, 256),
		log:     logging.WithComponent("replicator"),
		onPush:  onPush,
		pending: make(map[string]chan *protocol.Message),
		closeCh: make(chan struct{}),
	}
	go l.readPump()
	go l.writePump()
	return l, nil
}

func (l *WSLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closeCh)
	l.mu.Unlock()
	return l.conn.Close()
}

func (l *WSLink) readPump() {
	defer l.Close()

	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.log.Debug().Err(err).Msg("replicator link read loop exiting")
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			l.log.Warn().Err(err).Msg("discarding undecodable message")
			continue
		}

		l.mu.Lock()
		waiter, ok := l.pending[msg.ID]
		if ok {
			delete(l.pending, msg.ID)
		}
		l.mu.Unlock()

		if ok {
			waiter <- msg
			continue
		}
		if l.onPush != nil {
			l.onPush(msg)
		}
	}
}

func (l *WSLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case data, ok := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				l.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.closeCh:
			return
		}
	}
}

// call sends a request envelope and blocks for the correlated response
// (matched by message ID), honoring ctx cancellation.
func (l *WSLink) call(ctx context.Context, msgType string, payload map[string]interface{}) (*protocol.Message, error) {
	id := uuid.NewString()
	payload["id"] = id

	data, err := protocol.EncodeMessage(msgType, payload, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}

	waiter := make(chan *protocol.Message, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, fmt.Errorf("replicator: link closed")
	}
	l.pending[id] = waiter
	l.mu.Unlock()

	select {
	case l.send <- data:
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("replicator: link closed")
	}

	select {
	case msg := <-waiter:
		return msg, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("replicator: link closed")
	}
}

// toPayload converts a typed request/response through JSON, bridging our
// structs and protocol.Message's untyped map[string]interface{}
// payload.
func toPayload(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromPayload(payload map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type streamRequestPayload struct {
	Collection string `json:"collection"`
	Cursor     int64  `json:"cursor"`
	Limit      int64  `json:"limit"`
}

type streamResponsePayload struct {
	Changes   []protocol.Change `json:"changes"`
	Cursor    int64             `json:"cursor"`
	Disparity bool              `json:"disparity"`
}

func (l *WSLink) Stream(ctx context.Context, collection string, cursor, limit int64) (StreamResult, error) {
	payload, err := toPayload(streamRequestPayload{Collection: collection, Cursor: cursor, Limit: limit})
	if err != nil {
		return StreamResult{}, err
	}
	msg, err := l.call(ctx, protocol.TypeStreamRequest, payload)
	if err != nil {
		return StreamResult{}, err
	}
	if msg.Type == protocol.TypeError {
		return StreamResult{}, errorFromPayload(msg.Payload)
	}

	var resp streamResponsePayload
	if err := fromPayload(msg.Payload, &resp); err != nil {
		return StreamResult{}, err
	}
	return StreamResult{Changes: toChanges(resp.Changes), Cursor: resp.Cursor, Disparity: resp.Disparity}, nil
}

type recoveryRequestPayload struct {
	Collection string `json:"collection"`
	Document   string `json:"document"`
	Vector     []byte `json:"vector"`
}

type recoveryResponsePayload struct {
	Exists bool   `json:"exists"`
	Diff   []byte `json:"diff"`
	Vector []byte `json:"vector"`
	Seq    int64  `json:"seq"`
}

func (l *WSLink) Recovery(ctx context.Context, collection, document string, vector []byte) (RecoveryResult, error) {
	payload, err := toPayload(recoveryRequestPayload{Collection: collection, Document: document, Vector: vector})
	if err != nil {
		return RecoveryResult{}, err
	}
	msg, err := l.call(ctx, protocol.TypeRecoveryRequest, payload)
	if err != nil {
		return RecoveryResult{}, err
	}
	if msg.Type == protocol.TypeError {
		return RecoveryResult{}, errorFromPayload(msg.Payload)
	}

	var resp recoveryResponsePayload
	if err := fromPayload(msg.Payload, &resp); err != nil {
		return RecoveryResult{}, err
	}
	return RecoveryResult{Exists: resp.Exists, Diff: resp.Diff, Vector: resp.Vector, Seq: resp.Seq}, nil
}

type uploadPayload struct {
	Collection string `json:"collection"`
	Document   string `json:"document"`
	Bytes      []byte `json:"bytes"`
	Kind       string `json:"kind"`
}

func (l *WSLink) Upload(ctx context.Context, op UploadOp) error {
	payload, err := toPayload(uploadPayload{Collection: op.Collection, Document: op.Document, Bytes: op.Bytes, Kind: op.Kind})
	if err != nil {
		return err
	}
	msg, err := l.call(ctx, protocol.TypeDelta, payload)
	if err != nil {
		return err
	}
	if msg.Type == protocol.TypeError {
		return errorFromPayload(msg.Payload)
	}
	return nil
}

type presencePayload struct {
	Action     string                 `json:"action"`
	Collection string                 `json:"collection"`
	Document   string                 `json:"document"`
	Client     string                 `json:"client"`
	User       string                 `json:"user,omitempty"`
	Profile    map[string]interface{} `json:"profile,omitempty"`
	Cursor     int64                  `json:"cursor"`
	Vector     []byte                 `json:"vector,omitempty"`
	Interval   int64                  `json:"interval,omitempty"`
}

func (l *WSLink) Presence(ctx context.Context, action PresenceAction, opts PresenceOptions) error {
	actionName := "join"
	if action == PresenceLeave {
		actionName = "leave"
	}
	payload, err := toPayload(presencePayload{
		Action: actionName, Collection: opts.Collection, Document: opts.Document, Client: opts.Client,
		User: opts.User, Profile: opts.Profile, Cursor: opts.Cursor, Vector: opts.Vector, Interval: opts.Interval,
	})
	if err != nil {
		return err
	}
	msg, err := l.call(ctx, protocol.TypePresence, payload)
	if err != nil {
		return err
	}
	if msg.Type == protocol.TypeError {
		return errorFromPayload(msg.Payload)
	}
	return nil
}

type markPayload struct {
	Collection string `json:"collection"`
	Document   string `json:"document"`
	Seq        int64  `json:"seq"`
	Vector     []byte `json:"vector,omitempty"`
}

func (l *WSLink) Mark(ctx context.Context, collection, document string, seq int64, vector []byte) error {
	payload, err := toPayload(markPayload{Collection: collection, Document: document, Seq: seq, Vector: vector})
	if err != nil {
		return err
	}
	_, err = l.call(ctx, protocol.TypeMark, payload)
	return err
}

func toChanges(in []protocol.Change) []Change {
	out := make([]Change, 0, len(in))
	for _, c := range in {
		exists := true
		if c.Exists != nil {
			exists = *c.Exists
		}
		out = append(out, Change{
			Collection: c.Collection,
			Document:   c.Document,
			Bytes:      c.Bytes,
			Seq:        c.Seq,
			IsSnapshot: c.Kind == "snapshot",
			Exists:     exists,
		})
	}
	return out
}

func errorFromPayload(payload map[string]interface{}) error {
	msg, _ := payload["error"].(string)
	code, _ := payload["code"].(string)
	if msg == "" {
		msg = "replicator: server returned an error"
	}
	return fmt.Errorf("%s (%s)", msg, code)
}
