package store

import "context"

// Backend is the persistence contract ServerLog drives. PostgresBackend
// is the production implementation; MemoryBackend backs the testable
// properties in the spec's scenario suite without a live database.
type Backend interface {
	// AllocateSeq hands out the next sequence number for collection,
	// under optimistic concurrency: concurrent callers never observe
	// the same value twice.
	AllocateSeq(ctx context.Context, collection string) (int64, error)

	// CurrentSeq peeks the counter without advancing it — the
	// compactor's boundarySeq fence is read this way, not allocated.
	CurrentSeq(ctx context.Context, collection string) (int64, error)

	InsertDelta(ctx context.Context, d Delta) error
	DeltasSince(ctx context.Context, collection string, cursor int64, limit int) ([]Delta, error)

	// OldestDeltaSeq reports the lowest seq still retained for
	// collection. ok is false when no deltas are retained at all.
	OldestDeltaSeq(ctx context.Context, collection string) (seq int64, ok bool, err error)

	SaveSnapshot(ctx context.Context, s Snapshot) error
	LatestSnapshot(ctx context.Context, collection, document string) (*Snapshot, error)
	// LatestSnapshots returns the newest snapshot for every document in
	// collection — the full-recovery baseline.
	LatestSnapshots(ctx context.Context, collection string) ([]Snapshot, error)

	// DeleteDeltasUpTo removes deltas for (collection, document) with
	// seq <= boundary, returning how many were deleted. Used only by
	// the compactor after it has confirmed the boundary is safe for
	// every active peer.
	DeleteDeltasUpTo(ctx context.Context, collection, document string, boundary int64) (int64, error)

	DeltaCount(ctx context.Context, collection string) (DeltaCount, error)

	// Documents lists every document name with at least one delta or
	// snapshot in collection — the compactor's per-document work list.
	Documents(ctx context.Context, collection string) ([]string, error)
}
