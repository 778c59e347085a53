package compactor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/crdt"
	"github.com/synckit-go/replicate/internal/logging"
	"github.com/synckit-go/replicate/internal/metrics"
	"github.com/synckit-go/replicate/internal/session"
	"github.com/synckit-go/replicate/internal/store"
)

// Runner drives Jobs to completion, rescheduling itself between paged
// steps the way the teacher's background work schedules continuations
// rather than blocking a single call for an unbounded duration.
type Runner struct {
	backend  store.Backend
	sessions *session.Registry
	cfg      Config
	log      zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

func New(backend store.Backend, sessions *session.Registry, cfg Config) *Runner {
	return &Runner{
		backend:  backend,
		sessions: sessions,
		cfg:      cfg,
		log:      logging.WithComponent("compactor"),
		jobs:     make(map[string]*Job),
	}
}

func jobKey(collection, document string) string { return collection + "\x00" + document }

// Trigger schedules a compaction pass for (collection, document) if
// none is already pending or running — the single map slot per key is
// the at-most-one-pending-and-one-running guard the spec requires.
func (r *Runner) Trigger(collection, document string) {
	r.mu.Lock()
	key := jobKey(collection, document)
	existing := r.jobs[key]
	if existing != nil && (existing.Status == StatusPending || existing.Status == StatusRunning) {
		r.mu.Unlock()
		return
	}
	job := &Job{Collection: collection, Document: document, Status: StatusPending}
	r.jobs[key] = job
	r.mu.Unlock()

	r.scheduleStep(job, 0)
}

func (r *Runner) scheduleStep(job *Job, delay time.Duration) {
	time.AfterFunc(delay, func() { r.step(job) })
}

func (r *Runner) step(job *Job) {
	ctx := context.Background()
	start := time.Now()

	err := r.runStep(ctx, job)
	if err != nil {
		r.handleError(job, err)
		return
	}

	switch job.Status {
	case StatusDone:
		metrics.CompactionJobsTotal.WithLabelValues("done").Inc()
		metrics.CompactionJobDuration.WithLabelValues(job.Collection).Observe(time.Since(start).Seconds())
	case StatusFailed:
		metrics.CompactionJobsTotal.WithLabelValues("failed").Inc()
	default:
		// Merge phase incomplete: reschedule immediately for the next page.
		r.scheduleStep(job, 0)
	}
}

func (r *Runner) handleError(job *Job, err error) {
	job.Retries++
	job.Err = err.Error()
	if job.Retries > r.cfg.MaxRetries {
		job.Status = StatusFailed
		metrics.CompactionJobsTotal.WithLabelValues("failed").Inc()
		r.log.Error().Err(err).Str("collection", job.Collection).Str("document", job.Document).
			Int("retries", job.Retries).Msg("compaction job failed permanently")
		return
	}
	job.Status = StatusPending
	delay := backoff(r.cfg.BackoffBase, job.Retries)
	r.log.Warn().Err(err).Str("collection", job.Collection).Str("document", job.Document).
		Dur("retry_in", delay).Msg("compaction step failed, retrying")
	r.scheduleStep(job, delay)
}

func (r *Runner) runStep(ctx context.Context, job *Job) error {
	switch job.Status {
	case StatusPending:
		return r.begin(ctx, job)
	case StatusRunning:
		if job.Phase == PhaseMerge {
			return r.mergeStep(ctx, job)
		}
		return r.finalize(ctx, job)
	default:
		return nil
	}
}

func (r *Runner) begin(ctx context.Context, job *Job) error {
	boundary, err := r.backend.CurrentSeq(ctx, job.Collection)
	if err != nil {
		return err
	}
	job.BoundarySeq = boundary
	job.Cursor = 0
	job.Scratch = nil
	job.Processed = 0

	if snap, err := r.backend.LatestSnapshot(ctx, job.Collection, job.Document); err != nil {
		return err
	} else if snap != nil {
		job.Scratch = snap.Bytes
		job.Cursor = snap.Seq
	}

	job.Status = StatusRunning
	job.Phase = PhaseMerge
	return nil
}

// mergeStep pages through deltas ascending by seq, up to PageSize per
// batch and MaxPages batches (or MaxDeltas total) per call, folding
// each batch into job.Scratch and persisting the cursor between steps.
func (r *Runner) mergeStep(ctx context.Context, job *Job) error {
	pages := 0
	for pages < r.cfg.MaxPages && job.Processed < r.cfg.MaxDeltas {
		deltas, err := r.backend.DeltasSince(ctx, job.Collection, job.Cursor, r.cfg.PageSize)
		if err != nil {
			return err
		}

		var inScope []store.Delta
		for _, d := range deltas {
			if d.Document != job.Document || d.Seq > job.BoundarySeq {
				continue
			}
			inScope = append(inScope, d)
		}
		if len(inScope) == 0 {
			job.Phase = PhaseFinalize
			return nil
		}

		updates := make([][]byte, 0, len(inScope)+1)
		if job.Scratch != nil {
			updates = append(updates, job.Scratch)
		}
		for _, d := range inScope {
			updates = append(updates, d.Bytes)
			if d.Seq > job.Cursor {
				job.Cursor = d.Seq
			}
		}
		merged, err := crdt.MergeUpdates(updates)
		if err != nil {
			return err
		}
		job.Scratch = merged
		job.Processed += len(inScope)
		pages++

		if job.Cursor >= job.BoundarySeq {
			job.Phase = PhaseFinalize
			return nil
		}
	}
	return nil
}

// finalize runs the eligibility check against active sessions, saves
// the snapshot, and prunes absorbed deltas only when every active
// peer can still reconstruct its state from what remains.
func (r *Runner) finalize(ctx context.Context, job *Job) error {
	merged := job.Scratch
	if merged == nil {
		merged = []byte{}
	}

	sv, err := crdt.EncodeStateVectorOf(merged)
	if err != nil {
		return err
	}

	job.PeerSafe = true
	active := r.sessions.Active(job.Collection, job.Document, r.cfg.SessionTimeout)
	for _, sess := range active {
		if sess.Vector == nil {
			job.PeerSafe = false
			continue
		}
		missing, err := crdt.DiffUpdate(merged, sess.Vector)
		if err != nil {
			return err
		}
		if len(missing) > 2 {
			job.PeerSafe = false
		}
	}

	if err := r.backend.SaveSnapshot(ctx, store.Snapshot{
		Collection:  job.Collection,
		Document:    job.Document,
		Seq:         job.BoundarySeq,
		Bytes:       merged,
		StateVector: sv,
	}); err != nil {
		return err
	}

	if job.PeerSafe {
		if err := r.pruneDeltas(ctx, job); err != nil {
			return err
		}
	}

	r.sessions.PruneStale(job.Collection, job.Document, r.cfg.SessionTimeout)

	job.Status = StatusDone
	return nil
}

func (r *Runner) pruneDeltas(ctx context.Context, job *Job) error {
	deltas, err := r.backend.DeltasSince(ctx, job.Collection, 0, 0)
	if err != nil {
		return err
	}

	var inScope []store.Delta
	for _, d := range deltas {
		if d.Document == job.Document && d.Seq <= job.BoundarySeq {
			inScope = append(inScope, d)
		}
	}
	sort.Slice(inScope, func(i, j int) bool { return inScope[i].Seq < inScope[j].Seq })

	if len(inScope) <= r.cfg.Retain {
		return nil
	}
	cutoff := inScope[len(inScope)-r.cfg.Retain-1].Seq

	// MinAckedSeq is a seq-based floor independent of the vector-diff
	// eligibility check above: a connected session that has Marked a
	// seq but not yet sent a fresh vector must still find every delta
	// after that seq on its next Stream call.
	if minSeq, ok := r.sessions.MinAckedSeq(job.Collection, job.Document); ok && minSeq < cutoff {
		cutoff = minSeq
	}

	deleted, err := r.backend.DeleteDeltasUpTo(ctx, job.Collection, job.Document, cutoff)
	if err != nil {
		return err
	}
	metrics.CompactionDeltasPruned.WithLabelValues(job.Collection).Add(float64(deleted))
	return nil
}

// Status returns the current Job for (collection, document), or nil
// if no compaction has ever been triggered for it.
func (r *Runner) Status(collection, document string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobKey(collection, document)]
}
