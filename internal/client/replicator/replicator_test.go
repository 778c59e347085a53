package replicator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/synckit-go/replicate/internal/client/cache"
	"github.com/synckit-go/replicate/internal/client/docmanager"
	"github.com/synckit-go/replicate/internal/crdt"
)

// fakeLink is an in-process ServerLink double driven entirely by test
// setup, standing in for WSLink the way the spec's contract intends.
type fakeLink struct {
	mu sync.Mutex

	streamChanges []Change
	streamCursor  int64
	streamed      bool

	recoveryDiffs map[string]RecoveryResult

	uploads    []UploadOp
	uploadErr  error
	uploadHang chan struct{}

	marks []markCall
}

type markCall struct {
	document string
	seq      int64
}

func newFakeLink() *fakeLink {
	return &fakeLink{recoveryDiffs: make(map[string]RecoveryResult)}
}

func (f *fakeLink) Stream(ctx context.Context, collection string, cursor, limit int64) (StreamResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamed || len(f.streamChanges) == 0 {
		return StreamResult{Cursor: cursor}, nil
	}
	f.streamed = true
	return StreamResult{Changes: f.streamChanges, Cursor: f.streamCursor}, nil
}

func (f *fakeLink) Recovery(ctx context.Context, collection, document string, vector []byte) (RecoveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recoveryDiffs[document], nil
}

func (f *fakeLink) Upload(ctx context.Context, op UploadOp) error {
	if f.uploadHang != nil {
		<-f.uploadHang
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, op)
	return f.uploadErr
}

func (f *fakeLink) Presence(ctx context.Context, action PresenceAction, opts PresenceOptions) error {
	return nil
}

func (f *fakeLink) Mark(ctx context.Context, collection, document string, seq int64, vector []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, markCall{document: document, seq: seq})
	return nil
}

func (f *fakeLink) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// fakeView records every call instead of rendering anything.
type fakeView struct {
	mu       sync.Mutex
	replaced []map[string]interface{}
	upserts  map[string]map[string]interface{}
	removed  map[string]bool
}

func newFakeView() *fakeView {
	return &fakeView{upserts: make(map[string]map[string]interface{}), removed: make(map[string]bool)}
}

func (v *fakeView) Replace(items []map[string]interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.replaced = items
}

func (v *fakeView) Upsert(document string, item map[string]interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upserts[document] = item
	delete(v.removed, document)
}

func (v *fakeView) Remove(document string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed[document] = true
	delete(v.upserts, document)
}

func deltaFor(t *testing.T, field string, value interface{}) []byte {
	t.Helper()
	doc := crdt.New("seed-peer")
	return doc.Transact(func(tx *crdt.TxView) { tx.Set(field, value) })
}

func TestStartupAssignsClientIDAndMaterializesView(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()
	view := newFakeView()

	r := New("docs", manager, adapter, link, view, Config{})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if r.ClientID() == "" {
		t.Fatalf("expected a clientId to be assigned")
	}

	raw, ok, err := adapter.KV().Get(ctx, kvClientID)
	if err != nil || !ok {
		t.Fatalf("expected clientId persisted in kv: ok=%v err=%v", ok, err)
	}
	if string(raw) != r.ClientID() {
		t.Fatalf("persisted clientId %q does not match ClientID() %q", raw, r.ClientID())
	}
}

func TestStaleCursorWithoutStateResetsToZero(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	if err := adapter.KV().Set(ctx, "cursor:docs", []byte("500")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()

	r := New("docs", manager, adapter, link, nil, Config{})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()
	if cursor != 0 {
		t.Fatalf("expected stale cursor with no hydrated documents to reset to 0, got %d", cursor)
	}
}

func TestStartupRunsRecoveryForHydratedDocuments(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()

	seedDoc := crdt.New("client-1")
	provider, err := adapter.CreateDocPersistence(ctx, cache.Scope{Collection: "docs", Document: "a"}, seedDoc)
	if err != nil {
		t.Fatalf("CreateDocPersistence: %v", err)
	}
	<-provider.WhenSynced()
	seedDoc.Transact(func(tx *crdt.TxView) { tx.Set("title", "seed") })

	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()
	link.recoveryDiffs["a"] = RecoveryResult{Exists: true, Diff: deltaFor(t, "recovered", true), Seq: 5}
	view := newFakeView()

	r := New("docs", manager, adapter, link, view, Config{})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	doc, err := manager.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	snap := doc.Snapshot()
	if snap["title"] != "seed" || snap["recovered"] != true {
		t.Fatalf("expected recovery diff merged onto hydrated state, got %v", snap)
	}

	view.mu.Lock()
	defer view.mu.Unlock()
	if len(view.replaced) != 1 {
		t.Fatalf("expected Replace called with 1 item, got %d", len(view.replaced))
	}
}

func TestSteadyStateAppliesStreamAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()
	link.streamChanges = []Change{
		{Document: "a", Bytes: deltaFor(t, "title", "from server"), Seq: 10},
	}
	link.streamCursor = 10
	view := newFakeView()

	r := New("docs", manager, adapter, link, view, Config{StreamInterval: 5 * time.Millisecond})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		cursor := r.cursor
		r.mu.Unlock()
		if cursor == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for cursor to advance, stuck at %d", cursor)
		case <-time.After(5 * time.Millisecond):
		}
	}

	raw, ok, err := adapter.KV().Get(ctx, "cursor:docs")
	if err != nil || !ok || string(raw) != "10" {
		t.Fatalf("expected persisted cursor 10, got %q ok=%v err=%v", raw, ok, err)
	}

	view.mu.Lock()
	_, upserted := view.upserts["a"]
	view.mu.Unlock()
	if !upserted {
		t.Fatalf("expected document a to be upserted into the view")
	}
}

func TestInsertUploadsDelta(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()

	r := New("docs", manager, adapter, link, newFakeView(), Config{})
	if err := r.Insert(ctx, "a", map[string]interface{}{"title": "hello"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if link.uploadCount() != 1 {
		t.Fatalf("expected exactly one upload, got %d", link.uploadCount())
	}
	if link.uploads[0].Kind != "insert" {
		t.Fatalf("expected insert kind, got %q", link.uploads[0].Kind)
	}
}

func TestDeleteAppliesMarkerAndUploads(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()
	view := newFakeView()

	r := New("docs", manager, adapter, link, view, Config{})
	if err := r.Insert(ctx, "a", map[string]interface{}{"title": "hello"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	doc, err := manager.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !docmanager.IsDeleted(doc.Snapshot()) {
		t.Fatalf("expected delete marker applied")
	}

	view.mu.Lock()
	removed := view.removed["a"]
	view.mu.Unlock()
	if !removed {
		t.Fatalf("expected view.Remove called for deleted document")
	}
}

func TestUploadSingleFlightCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()
	link.uploadHang = make(chan struct{})

	r := New("docs", manager, adapter, link, nil, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.upload(ctx, "a", "update", []byte("same-bytes"))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(link.uploadHang)
	wg.Wait()

	if link.uploadCount() != 1 {
		t.Fatalf("expected singleflight to coalesce concurrent uploads into 1, got %d", link.uploadCount())
	}
}

func TestNonRetriableUploadErrorHaltsProseRetries(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	manager := docmanager.New("docs", "client-1", adapter)
	link := newFakeLink()
	link.uploadErr = fmt.Errorf("rejected (422)")

	r := New("docs", manager, adapter, link, nil, Config{ProseDebounce: time.Millisecond, ProseBackoff: time.Millisecond})
	if _, err := manager.TransactWithDelta(ctx, "a", func(tx *crdt.TxView) { tx.Set("x", 1) }); err != nil {
		t.Fatalf("TransactWithDelta: %v", err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.proseTimer["a"] = time.AfterFunc(time.Millisecond, func() {
		r.fireProseUpload(ctx, "a")
		close(done)
	})
	r.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for prose upload to settle")
	}

	if link.uploadCount() != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retriable error, got %d", link.uploadCount())
	}
}

func TestIsNonRetriableClassifiesHTTPLikeStatuses(t *testing.T) {
	cases := map[string]bool{
		"unauthorized (401)": true,
		"forbidden (403)":    true,
		"invalid (422)":      true,
		"timeout":            false,
	}
	for msg, want := range cases {
		if got := isNonRetriable(fmt.Errorf(msg)); got != want {
			t.Errorf("isNonRetriable(%q) = %v, want %v", msg, got, want)
		}
	}
}
