package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used by tests and by the
// testable-property scenarios that must run without a live Postgres
// instance. It follows the same mutex-guarded-map shape the teacher
// uses throughout internal/websocket and internal/security.
type MemoryBackend struct {
	mu        sync.Mutex
	seqs      map[string]int64
	deltas    map[string][]Delta    // collection -> ordered deltas
	snapshots map[string][]Snapshot // collection -> one entry per document (latest only)
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		seqs:      make(map[string]int64),
		deltas:    make(map[string][]Delta),
		snapshots: make(map[string][]Snapshot),
	}
}

func (m *MemoryBackend) AllocateSeq(_ context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[collection]++
	return m.seqs[collection], nil
}

func (m *MemoryBackend) CurrentSeq(_ context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[collection], nil
}

func (m *MemoryBackend) InsertDelta(_ context.Context, d Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = time.Now()
	m.deltas[d.Collection] = append(m.deltas[d.Collection], d)
	return nil
}

func (m *MemoryBackend) DeltasSince(_ context.Context, collection string, cursor int64, limit int) ([]Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Delta
	for _, d := range m.deltas[collection] {
		if d.Seq > cursor {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryBackend) OldestDeltaSeq(_ context.Context, collection string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deltas := m.deltas[collection]
	if len(deltas) == 0 {
		return 0, false, nil
	}
	oldest := deltas[0].Seq
	for _, d := range deltas[1:] {
		if d.Seq < oldest {
			oldest = d.Seq
		}
	}
	return oldest, true, nil
}

func (m *MemoryBackend) SaveSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.CreatedAt = time.Now()
	list := m.snapshots[s.Collection]
	for i, existing := range list {
		if existing.Document == s.Document {
			list[i] = s
			m.snapshots[s.Collection] = list
			return nil
		}
	}
	m.snapshots[s.Collection] = append(list, s)
	return nil
}

func (m *MemoryBackend) LatestSnapshot(_ context.Context, collection, document string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.snapshots[collection] {
		if s.Document == document {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryBackend) LatestSnapshots(_ context.Context, collection string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, len(m.snapshots[collection]))
	copy(out, m.snapshots[collection])
	return out, nil
}

func (m *MemoryBackend) DeleteDeltasUpTo(_ context.Context, collection, document string, boundary int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []Delta
	var deleted int64
	for _, d := range m.deltas[collection] {
		if d.Document == document && d.Seq <= boundary {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	m.deltas[collection] = kept
	return deleted, nil
}

func (m *MemoryBackend) DeltaCount(_ context.Context, collection string) (DeltaCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deltas := m.deltas[collection]
	dc := DeltaCount{Collection: collection, Count: int64(len(deltas))}
	if len(deltas) > 0 {
		dc.OldestSeq = deltas[0].Seq
		for _, d := range deltas[1:] {
			if d.Seq < dc.OldestSeq {
				dc.OldestSeq = d.Seq
			}
		}
	}
	return dc, nil
}

func (m *MemoryBackend) Documents(_ context.Context, collection string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, d := range m.deltas[collection] {
		if !seen[d.Document] {
			seen[d.Document] = true
			out = append(out, d.Document)
		}
	}
	for _, s := range m.snapshots[collection] {
		if !seen[s.Document] {
			seen[s.Document] = true
			out = append(out, s.Document)
		}
	}
	return out, nil
}
