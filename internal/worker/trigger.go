package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
)

// Trigger runs the completion-count check and, exactly once per job,
// enqueues the reassembly request. Concurrent completions for the same job
// may both observe count == total and race here; the conditional create on
// the lock row picks a single winner.
type Trigger struct {
	jobs        docstore.JobStore
	completions docstore.CompletionStore
	locks       docstore.LockStore
	queue       queue.Queue
	logger      *slog.Logger
}

// NewTrigger builds the shared trigger checker. It is used by the
// completion recorder (async results) and the segment processor (sync
// results).
func NewTrigger(jobs docstore.JobStore, completions docstore.CompletionStore, locks docstore.LockStore, q queue.Queue, logger *slog.Logger) *Trigger {
	return &Trigger{jobs: jobs, completions: completions, locks: locks, queue: q, logger: logger}
}

// Check enqueues a reassembly request if this job just became complete and
// nobody triggered it yet.
func (t *Trigger) Check(ctx context.Context, jobID string) error {
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}

	// total_segments is only trustworthy once chunking finalized; before
	// that the count cannot be compared against anything.
	if job.Status != model.StatusChunkingComplete || job.TotalSegments == 0 {
		return nil
	}

	count, err := t.completions.CountCompletions(ctx, jobID)
	if err != nil {
		return err
	}
	if count < job.TotalSegments {
		return nil
	}

	won, err := t.locks.AcquireTrigger(ctx, jobID)
	if err != nil {
		return err
	}
	if !won {
		// Another delivery already triggered reassembly for this job.
		return nil
	}

	err = t.jobs.TransitionJob(ctx, jobID, model.ActorTrigger,
		model.StatusChunkingComplete, model.StatusReassembling, nil)
	if err != nil {
		if errors.Is(err, docstore.ErrConditionFailed) {
			// Only an operator action (fail) can move the job out from
			// under the lock winner; nothing to reassemble then.
			t.logger.Warn("won trigger lock but job left chunking_complete", "job_id", jobID)
			return nil
		}
		return err
	}

	body, err := json.Marshal(model.ReassembleRequest{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal reassembly request: %w", err)
	}
	if err := t.queue.Send(ctx, queue.StreamReassemble, body); err != nil {
		return fmt.Errorf("enqueue reassembly for %s: %w", jobID, err)
	}

	t.logger.Info("reassembly triggered", "job_id", jobID, "total_segments", job.TotalSegments)
	return nil
}
