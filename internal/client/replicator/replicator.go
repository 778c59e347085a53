package replicator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/synckit-go/replicate/internal/client/cache"
	"github.com/synckit-go/replicate/internal/client/docmanager"
	"github.com/synckit-go/replicate/internal/crdt"
	"github.com/synckit-go/replicate/internal/engineerr"
	"github.com/synckit-go/replicate/internal/logging"
)

// ViewSink is the application-visible materialized view the
// replicator keeps in sync: whole-collection replace at startup,
// then incremental upsert/remove as the stream advances.
type ViewSink interface {
	Replace(items []map[string]interface{})
	Upsert(document string, item map[string]interface{})
	Remove(document string)
}

// Config tunes the replicator's timing; zero values fall back to the
// spec's defaults.
type Config struct {
	StreamLimit    int64
	ProseDebounce  time.Duration
	ProseRetries   int
	ProseBackoff   time.Duration
	StreamInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamLimit == 0 {
		c.StreamLimit = 200
	}
	if c.ProseDebounce == 0 {
		c.ProseDebounce = 50 * time.Millisecond
	}
	if c.ProseRetries == 0 {
		c.ProseRetries = 3
	}
	if c.ProseBackoff == 0 {
		c.ProseBackoff = 100 * time.Millisecond
	}
	if c.StreamInterval == 0 {
		c.StreamInterval = 200 * time.Millisecond
	}
	return c
}

// Replicator keeps a ClientDocManager's in-memory documents, the
// cache, and the server's event log consistent with each other,
// implementing the startup sequence and steady-state loop.
type Replicator struct {
	collection string
	manager    *docmanager.Manager
	adapter    cache.StorageAdapter
	link       ServerLink
	view       ViewSink
	cfg        Config
	log        zerolog.Logger

	clientID string

	mu         sync.Mutex
	cursor     int64
	proseTimer map[string]*time.Timer
	proseFails map[string]int
	sf         singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(collection string, manager *docmanager.Manager, adapter cache.StorageAdapter, link ServerLink, view ViewSink, cfg Config) *Replicator {
	return &Replicator{
		collection: collection,
		manager:    manager,
		adapter:    adapter,
		link:       link,
		view:       view,
		cfg:        cfg.withDefaults(),
		log:        logging.WithComponent("replicator"),
		proseTimer: make(map[string]*time.Timer),
		proseFails: make(map[string]int),
		stopCh:     make(chan struct{}),
	}
}

const kvClientID = "clientId"

func (r *Replicator) kvCursorKey() string { return "cursor:" + r.collection }

// Start runs the spec's six-step startup sequence, then launches the
// steady-state stream-consumption loop in the background.
func (r *Replicator) Start(ctx context.Context) error {
	documents, err := r.hydrateKnownDocuments(ctx)
	if err != nil {
		return fmt.Errorf("replicator: hydrate: %w", err)
	}

	if err := r.loadClientID(ctx); err != nil {
		return fmt.Errorf("replicator: client id: %w", err)
	}

	if err := r.loadCursor(ctx, len(documents)); err != nil {
		return fmt.Errorf("replicator: cursor: %w", err)
	}

	if err := r.recoverAll(ctx, documents); err != nil {
		return fmt.Errorf("replicator: recovery: %w", err)
	}

	r.materializeView(ctx, documents)

	r.wg.Add(1)
	go r.streamLoop(ctx)
	return nil
}

// Stop tears down the steady-state loop. It does not close the
// manager or adapter, which outlive individual replicator sessions.
func (r *Replicator) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Replicator) hydrateKnownDocuments(ctx context.Context) ([]string, error) {
	keys, err := r.adapter.ListDocuments(ctx, r.collection+":")
	if err != nil {
		return nil, err
	}
	documents := make([]string, 0, len(keys))
	for _, key := range keys {
		doc := strings.TrimPrefix(key, r.collection+":")
		if _, err := r.manager.GetOrCreate(ctx, doc); err != nil {
			return nil, err
		}
		documents = append(documents, doc)
	}
	return documents, nil
}

func (r *Replicator) loadClientID(ctx context.Context) error {
	if raw, ok, err := r.adapter.KV().Get(ctx, kvClientID); err != nil {
		return err
	} else if ok {
		r.clientID = string(raw)
		return nil
	}
	r.clientID = uuid.NewString()
	return r.adapter.KV().Set(ctx, kvClientID, []byte(r.clientID))
}

// loadCursor implements the "stale cursor without state" guard: a
// positive cursor with zero hydrated documents means the cache was
// wiped out from under a still-present cursor marker, so the cursor
// is untrustworthy and must restart from zero.
func (r *Replicator) loadCursor(ctx context.Context, hydratedCount int) error {
	raw, ok, err := r.adapter.KV().Get(ctx, r.kvCursorKey())
	if err != nil {
		return err
	}
	var cursor int64
	if ok {
		cursor, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	if cursor > 0 && hydratedCount == 0 {
		cursor = 0
	}
	r.mu.Lock()
	r.cursor = cursor
	r.mu.Unlock()
	return r.persistCursor(ctx, cursor)
}

func (r *Replicator) persistCursor(ctx context.Context, cursor int64) error {
	return r.adapter.KV().Set(ctx, r.kvCursorKey(), []byte(strconv.FormatInt(cursor, 10)))
}

func (r *Replicator) recoverAll(ctx context.Context, documents []string) error {
	for _, doc := range documents {
		if err := r.recoverOne(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// recoverOne asks the server for exactly what document is missing
// relative to its local state vector and applies that diff. A
// document the server has never seen comes back with Exists false:
// nothing to apply, nothing to ack.
func (r *Replicator) recoverOne(ctx context.Context, document string) error {
	vector, err := r.manager.EncodeStateVector(ctx, document)
	if err != nil {
		return err
	}
	result, err := r.link.Recovery(ctx, r.collection, document, vector)
	if err != nil {
		return err
	}
	if !result.Exists {
		return nil
	}
	if len(result.Diff) > 0 {
		if err := r.manager.ApplyUpdate(ctx, document, result.Diff); err != nil {
			return err
		}
	}

	localVector, err := r.manager.EncodeStateVector(ctx, document)
	if err != nil {
		return err
	}
	if err := r.link.Mark(ctx, r.collection, document, result.Seq, localVector); err != nil {
		r.log.Debug().Err(err).Str("document", document).Msg("best-effort mark failed")
	}
	return nil
}

func (r *Replicator) materializeView(ctx context.Context, documents []string) {
	if r.view == nil {
		return
	}
	items := make([]map[string]interface{}, 0, len(documents))
	for _, document := range documents {
		doc, err := r.manager.GetOrCreate(ctx, document)
		if err != nil {
			continue
		}
		snap := doc.Snapshot()
		if docmanager.IsDeleted(snap) {
			continue
		}
		snap["_id"] = document
		items = append(items, snap)
	}
	r.view.Replace(items)
}

// streamLoop is the subscription step of the startup sequence: it
// repeatedly pulls everything past the current cursor and applies it,
// sleeping between empty polls so it behaves as a long-lived
// subscription without busy-looping the transport.
func (r *Replicator) streamLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		cursor := r.cursor
		r.mu.Unlock()

		result, err := r.link.Stream(ctx, r.collection, cursor, r.cfg.StreamLimit)
		if err != nil {
			if isNonRetriable(err) {
				r.log.Error().Err(err).Msg("non-retriable stream error, halting replicator loop")
				return
			}
			r.log.Warn().Err(err).Msg("stream poll failed, retrying")
			r.sleep(r.cfg.StreamInterval)
			continue
		}

		if len(result.Changes) == 0 {
			r.sleep(r.cfg.StreamInterval)
			continue
		}

		r.applyBatch(ctx, result)
	}
}

func (r *Replicator) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.stopCh:
	}
}

// applyBatch applies every change in strictly ascending seq order (the
// order the server already guarantees), updates the view, advances the
// durable cursor, and issues a best-effort mark per touched document.
func (r *Replicator) applyBatch(ctx context.Context, result StreamResult) {
	touched := make(map[string]int64)

	for _, change := range result.Changes {
		if err := r.manager.ApplyUpdate(ctx, change.Document, change.Bytes); err != nil {
			r.log.Error().Err(err).Str("document", change.Document).Msg("failed to apply stream change")
			continue
		}
		touched[change.Document] = change.Seq

		doc, err := r.manager.GetOrCreate(ctx, change.Document)
		if err != nil {
			continue
		}
		snap := doc.Snapshot()
		deleted := docmanager.IsDeleted(snap)

		if r.view == nil {
			continue
		}
		switch {
		case deleted:
			r.view.Remove(change.Document)
		default:
			snap["_id"] = change.Document
			r.view.Upsert(change.Document, snap)
		}
	}

	r.mu.Lock()
	r.cursor = result.Cursor
	r.mu.Unlock()
	if err := r.persistCursor(ctx, result.Cursor); err != nil {
		r.log.Error().Err(err).Msg("failed to persist cursor")
	}

	for document, seq := range touched {
		vector, err := r.manager.EncodeStateVector(ctx, document)
		if err != nil {
			continue
		}
		if err := r.link.Mark(ctx, r.collection, document, seq, vector); err != nil {
			r.log.Debug().Err(err).Str("document", document).Msg("best-effort mark failed")
		}
	}
}

// Insert writes fields into a brand new document and uploads the
// resulting delta.
func (r *Replicator) Insert(ctx context.Context, document string, fields map[string]interface{}) error {
	return r.writeAndUpload(ctx, document, "insert", fields)
}

// Update writes fields into an existing document and uploads the delta.
func (r *Replicator) Update(ctx context.Context, document string, fields map[string]interface{}) error {
	return r.writeAndUpload(ctx, document, "update", fields)
}

func (r *Replicator) writeAndUpload(ctx context.Context, document, kind string, fields map[string]interface{}) error {
	delta, err := r.manager.TransactWithDelta(ctx, document, func(tx *crdt.TxView) {
		for field, value := range fields {
			tx.Set(field, value)
		}
	})
	if err != nil {
		return err
	}
	if r.view != nil {
		if doc, err := r.manager.GetOrCreate(ctx, document); err == nil {
			snap := doc.Snapshot()
			snap["_id"] = document
			r.view.Upsert(document, snap)
		}
	}
	return r.upload(ctx, document, kind, delta)
}

// Delete marks document deleted and uploads the marker.
func (r *Replicator) Delete(ctx context.Context, document string) error {
	delta, err := r.manager.MarkDeleted(ctx, document)
	if err != nil {
		return err
	}
	if r.view != nil {
		r.view.Remove(document)
	}
	return r.upload(ctx, document, "delete", delta)
}

// upload enforces at most one in-flight request per (document,
// operation): a second call for the same pair while one is in flight
// joins the first instead of issuing a duplicate.
func (r *Replicator) upload(ctx context.Context, document, kind string, bytes []byte) error {
	key := document + "\x00" + kind
	_, err, _ := r.sf.Do(key, func() (interface{}, error) {
		err := r.link.Upload(ctx, UploadOp{Collection: r.collection, Document: document, Bytes: bytes, Kind: kind})
		return nil, err
	})
	return err
}

// NotifyProseEdit coalesces fragment-observer callbacks: repeated
// calls for the same document while a timer is pending are absorbed
// into the single pending upload that fires on debounce expiry.
func (r *Replicator) NotifyProseEdit(ctx context.Context, document string) {
	r.mu.Lock()
	if _, pending := r.proseTimer[document]; pending {
		r.mu.Unlock()
		return
	}
	r.proseTimer[document] = time.AfterFunc(r.cfg.ProseDebounce, func() {
		r.fireProseUpload(ctx, document)
	})
	r.mu.Unlock()
}

func (r *Replicator) fireProseUpload(ctx context.Context, document string) {
	r.mu.Lock()
	delete(r.proseTimer, document)
	r.mu.Unlock()

	state, err := r.manager.EncodeState(ctx, document)
	if err != nil {
		r.log.Error().Err(err).Str("document", document).Msg("failed to encode prose state")
		return
	}

	for attempt := 0; attempt < r.cfg.ProseRetries; attempt++ {
		if err := r.upload(ctx, document, "prose", state); err == nil {
			r.mu.Lock()
			delete(r.proseFails, document)
			r.mu.Unlock()
			return
		} else if isNonRetriable(err) {
			r.log.Error().Err(err).Str("document", document).Msg("prose upload rejected as non-retriable")
			return
		}
		r.sleep(r.cfg.ProseBackoff * time.Duration(attempt+1))
	}

	// Exhausted retries: count the failure. The pending timer entry was
	// already removed on entry, so the next edit re-queues a fresh upload
	// instead of leaving this one stuck.
	r.mu.Lock()
	r.proseFails[document]++
	r.mu.Unlock()
}

// Reconnect re-runs recovery for every known document and re-uploads
// its full current state, the safe (idempotent, if redundant) way to
// repair whatever the server missed while the link was down.
func (r *Replicator) Reconnect(ctx context.Context) error {
	documents := r.manager.Known()
	for _, identity := range documents {
		document := strings.TrimPrefix(identity, r.collection+":")
		if err := r.recoverOne(ctx, document); err != nil {
			return err
		}
		state, err := r.manager.EncodeState(ctx, document)
		if err != nil {
			return err
		}
		if err := r.upload(ctx, document, "update", state); err != nil && !isNonRetriable(err) {
			r.log.Warn().Err(err).Str("document", document).Msg("reconnect re-upload failed, will retry on next reconnect")
		}
	}
	return nil
}

// ClientID returns the stable identity persisted during startup.
func (r *Replicator) ClientID() string { return r.clientID }

// isNonRetriable classifies an error per the spec's HTTP-like status
// policy: 401/403/422 are permanent, everything else is transient.
func isNonRetriable(err error) bool {
	var ee *engineerr.EngineError
	if errors.As(err, &ee) {
		return !ee.Retriable
	}
	msg := err.Error()
	for _, code := range []string{"401", "403", "422"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
