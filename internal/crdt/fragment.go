package crdt

import (
	"strconv"
	"sync"
)

// Fragment is a minimal ordered-list CRDT for prose/XML content — a
// tombstone list of (id, value) elements ordered by insertion id,
// matching the Fugue-style text CRDT the teacher's storage layer
// already names in its SyncText comments. It is exposed as a
// capability object: editor bindings hold a *Fragment plus its
// Destroy hook and never reach into a document's internal field map.
type Fragment struct {
	mu       sync.Mutex
	peerID   string
	counter  int64
	elements []element
	destroyed bool
}

type element struct {
	ID      string
	Value   rune
	Deleted bool
}

// NewFragment creates an empty text fragment owned by peerID.
func NewFragment(peerID string) *Fragment {
	return &Fragment{peerID: peerID}
}

// Insert places value at position index (in the visible, non-tombstoned
// sequence), returning the operation id assigned to the new element.
func (f *Fragment) Insert(index int, value rune) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.counter++
	id := fragmentOpID(f.peerID, f.counter)
	pos := f.visibleToRaw(index)

	el := element{ID: id, Value: value}
	f.elements = append(f.elements[:pos], append([]element{el}, f.elements[pos:]...)...)
	return id
}

// Delete tombstones the visible element at index.
func (f *Fragment) Delete(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pos := f.visibleToRaw(index)
	if pos < len(f.elements) {
		f.elements[pos].Deleted = true
	}
}

// Text renders the fragment's current visible content.
func (f *Fragment) Text() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	runes := make([]rune, 0, len(f.elements))
	for _, el := range f.elements {
		if !el.Deleted {
			runes = append(runes, el.Value)
		}
	}
	return string(runes)
}

// Destroy releases the fragment's handle. Callers must not use the
// Fragment afterward; this only clears local state (there is nothing
// to unsubscribe here — a Fragment has no external listeners of its
// own) and exists so editor bindings have a single, explicit lifecycle
// hook to call on unmount.
func (f *Fragment) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.elements = nil
}

func (f *Fragment) visibleToRaw(index int) int {
	visible := 0
	for i, el := range f.elements {
		if el.Deleted {
			continue
		}
		if visible == index {
			return i
		}
		visible++
	}
	return len(f.elements)
}

func fragmentOpID(peerID string, counter int64) string {
	return peerID + ":" + strconv.FormatInt(counter, 10)
}
