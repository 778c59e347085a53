package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/crdt"
	"github.com/synckit-go/replicate/internal/engineerr"
	"github.com/synckit-go/replicate/internal/logging"
	"github.com/synckit-go/replicate/internal/metrics"
)

// ServerLog is the engine's single source of truth for a collection's
// history: appended deltas plus the snapshots the Compactor folds them
// into. It never mutates a delta once written; Compactor is the only
// component allowed to delete one, and only after the safety check in
// its own package.
type ServerLog struct {
	backend Backend
	log     zerolog.Logger
}

func New(backend Backend) *ServerLog {
	return &ServerLog{backend: backend, log: logging.WithComponent("store")}
}

// AppendDelta allocates the next sequence number for collection and
// persists the update, attributing it to document and clientID.
func (s *ServerLog) AppendDelta(ctx context.Context, collection, document, clientID string, update []byte) (int64, error) {
	seq, err := s.backend.AllocateSeq(ctx, collection)
	if err != nil {
		return 0, engineerr.New("failed to allocate sequence", engineerr.CodeStorage, true, err)
	}

	if err := s.backend.InsertDelta(ctx, Delta{
		Collection: collection,
		Document:   document,
		Seq:        seq,
		ClientID:   clientID,
		Bytes:      update,
	}); err != nil {
		return 0, engineerr.New("failed to insert delta", engineerr.CodeStorage, true, err)
	}

	metrics.DeltasAppended.WithLabelValues(collection).Inc()
	return seq, nil
}

// Stream returns every delta (and, on disparity, every current
// snapshot) for collection with seq > cursor, up to limit entries.
// When cursor is below the oldest retained delta, the client has
// fallen too far behind incremental replay: Stream instead returns
// every document's current snapshot plus any deltas newer than the
// newest of those snapshots, and sets Disparity so the caller knows
// it jumped rather than incrementally caught up.
func (s *ServerLog) Stream(ctx context.Context, collection string, cursor int64, limit int) (StreamResult, error) {
	oldest, ok, err := s.backend.OldestDeltaSeq(ctx, collection)
	if err != nil {
		return StreamResult{}, engineerr.New("failed to read oldest delta seq", engineerr.CodeStorage, true, err)
	}

	if ok && cursor < oldest-1 {
		metrics.StreamDisparities.WithLabelValues(collection).Inc()
		return s.recoverFromDisparity(ctx, collection, limit)
	}

	deltas, err := s.backend.DeltasSince(ctx, collection, cursor, limit)
	if err != nil {
		return StreamResult{}, engineerr.New("failed to read deltas", engineerr.CodeStorage, true, err)
	}

	result := StreamResult{Cursor: cursor}
	for _, d := range deltas {
		result.Changes = append(result.Changes, Change{
			Collection: d.Collection,
			Document:   d.Document,
			Bytes:      d.Bytes,
			Seq:        d.Seq,
		})
		if d.Seq > result.Cursor {
			result.Cursor = d.Seq
		}
	}
	return result, nil
}

func (s *ServerLog) recoverFromDisparity(ctx context.Context, collection string, limit int) (StreamResult, error) {
	snapshots, err := s.backend.LatestSnapshots(ctx, collection)
	if err != nil {
		return StreamResult{}, engineerr.New("failed to read snapshots", engineerr.CodeStorage, true, err)
	}
	if len(snapshots) == 0 {
		return StreamResult{}, engineerr.NewMissingBaseline(collection)
	}

	result := StreamResult{Disparity: true}
	maxSnapshotSeq := int64(0)
	for _, snap := range snapshots {
		result.Changes = append(result.Changes, Change{
			Collection: snap.Collection,
			Document:   snap.Document,
			Bytes:      snap.Bytes,
			Seq:        snap.Seq,
			IsSnapshot: true,
			Exists:     true,
		})
		if snap.Seq > maxSnapshotSeq {
			maxSnapshotSeq = snap.Seq
		}
		if snap.Seq > result.Cursor {
			result.Cursor = snap.Seq
		}
	}

	deltas, err := s.backend.DeltasSince(ctx, collection, maxSnapshotSeq, limit)
	if err != nil {
		return StreamResult{}, engineerr.New("failed to read deltas after recovery baseline", engineerr.CodeStorage, true, err)
	}
	for _, d := range deltas {
		result.Changes = append(result.Changes, Change{
			Collection: d.Collection,
			Document:   d.Document,
			Bytes:      d.Bytes,
			Seq:        d.Seq,
		})
		if d.Seq > result.Cursor {
			result.Cursor = d.Seq
		}
	}
	return result, nil
}

// Recovery reconstructs document's current state within collection and
// returns the minimal diff peerVector is missing, the server's
// authoritative state vector for that state, and the highest delta
// seq folded into it (so the caller can Mark its progress). A document
// with no baseline yet (never written) comes back with Exists false
// rather than an error: the peer has nothing to merge and nothing to
// ack.
func (s *ServerLog) Recovery(ctx context.Context, collection, document string, peerVector []byte) (RecoveryResult, error) {
	state, seq, err := s.documentState(ctx, collection, document)
	if err != nil {
		var nf *engineerr.NotFoundError
		if errors.As(err, &nf) {
			return RecoveryResult{}, nil
		}
		return RecoveryResult{}, err
	}

	vector, err := crdt.EncodeStateVectorOf(state)
	if err != nil {
		return RecoveryResult{}, engineerr.New("failed to encode state vector", engineerr.CodeReconciliation, false, err)
	}
	diff, err := crdt.DiffUpdate(state, peerVector)
	if err != nil {
		return RecoveryResult{}, engineerr.New("failed to diff update", engineerr.CodeReconciliation, false, err)
	}

	return RecoveryResult{Exists: true, Diff: diff, Vector: vector, Seq: seq}, nil
}

// DocumentState merges a document's latest snapshot with any deltas
// that arrived after it, returning its current full-state update.
func (s *ServerLog) DocumentState(ctx context.Context, collection, document string) ([]byte, error) {
	state, _, err := s.documentState(ctx, collection, document)
	return state, err
}

// documentState is the shared reconstruction behind DocumentState and
// Recovery: it also reports the highest delta seq folded into the
// merged state, since Recovery needs it to let a peer Mark its
// progress without re-deriving it from a separate Stream call.
func (s *ServerLog) documentState(ctx context.Context, collection, document string) ([]byte, int64, error) {
	snap, err := s.backend.LatestSnapshot(ctx, collection, document)
	if err != nil {
		return nil, 0, engineerr.New("failed to read snapshot", engineerr.CodeStorage, true, err)
	}

	var base []byte
	fromSeq := int64(0)
	if snap != nil {
		base = snap.Bytes
		fromSeq = snap.Seq
	}

	deltas, err := s.backend.DeltasSince(ctx, collection, fromSeq, 0)
	if err != nil {
		return nil, 0, engineerr.New("failed to read deltas", engineerr.CodeStorage, true, err)
	}

	updates := make([][]byte, 0, len(deltas)+1)
	maxSeq := fromSeq
	if base != nil {
		updates = append(updates, base)
	}
	for _, d := range deltas {
		if d.Document == document {
			updates = append(updates, d.Bytes)
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
		}
	}
	if len(updates) == 0 {
		return nil, 0, engineerr.NewNotFound("document", fmt.Sprintf("%s/%s", collection, document))
	}
	merged, err := crdt.MergeUpdates(updates)
	if err != nil {
		return nil, 0, err
	}
	return merged, maxSeq, nil
}

func (s *ServerLog) Backend() Backend { return s.backend }
