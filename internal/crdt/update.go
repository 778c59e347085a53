package crdt

import "time"

// nowFunc is overridable in tests so CRDT timestamp ordering can be
// asserted deterministically.
var nowFunc = time.Now

// The functions below are the package-level, Doc-free entry points to
// the same black-box contract the spec names: mergeUpdates,
// encodeStateAsUpdate, encodeStateVector, diffUpdate, applyUpdate.
// internal/store and internal/compactor operate on raw update bytes
// pulled from Postgres rows and never instantiate a live Doc, so these
// wrap a scratch Doc internally.

// MergeUpdates folds a list of update blobs (deltas, or a snapshot
// followed by deltas) into one full-state update blob. Order does not
// affect the result: the resolution rule is commutative and
// associative, same as the CRDT's own Apply.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	scratch := New("")
	for _, u := range updates {
		if err := scratch.Apply(u, OriginStorage); err != nil {
			return nil, err
		}
	}
	return scratch.EncodeStateAsUpdate(), nil
}

// ApplyUpdate applies update on top of base (both full-state update
// blobs) and returns the resulting full-state update.
func ApplyUpdate(base, update []byte) ([]byte, error) {
	scratch := New("")
	if len(base) > 0 {
		if err := scratch.Apply(base, OriginStorage); err != nil {
			return nil, err
		}
	}
	if err := scratch.Apply(update, OriginStorage); err != nil {
		return nil, err
	}
	return scratch.EncodeStateAsUpdate(), nil
}

// EncodeStateVectorOf computes the state vector implied by a full-state
// update blob, without needing a live Doc — used by the compactor when
// it only has bytes from storage.
func EncodeStateVectorOf(fullState []byte) ([]byte, error) {
	scratch := New("")
	if err := scratch.Apply(fullState, OriginStorage); err != nil {
		return nil, err
	}
	return scratch.EncodeStateVector(), nil
}

// DiffUpdate returns the subset of fullState whose per-field vector is
// not already dominated by sv — i.e. exactly what a peer holding sv
// still needs. Used by ServerLog.Recovery to avoid resending data a
// client's state vector already covers, and by compactor.Runner to
// check whether an active session has caught up enough to let a
// compaction prune past it.
func DiffUpdate(fullState []byte, sv []byte) ([]byte, error) {
	scratch := New("")
	if err := scratch.Apply(fullState, OriginStorage); err != nil {
		return nil, err
	}

	var theirs VectorClock
	if len(sv) > 0 {
		if err := unmarshalVector(sv, &theirs); err != nil {
			return nil, err
		}
	} else {
		theirs = make(VectorClock)
	}

	scratch.mu.Lock()
	defer scratch.mu.Unlock()

	var missing []opEntry
	for field, reg := range scratch.fields {
		if Compare(reg.Vector, theirs) == Before || Compare(reg.Vector, theirs) == Equal {
			continue
		}
		missing = append(missing, opEntry{Field: field, Value: reg.Value, Vector: reg.Vector, Timestamp: reg.Timestamp, Deleted: reg.Deleted})
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return marshalOps(missing)
}
