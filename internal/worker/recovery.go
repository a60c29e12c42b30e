package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/segkey"
)

// Recovery implements the operator procedure for a stalled job. A job
// stuck in chunking_in_progress had a worker crash after uploading
// segments but before the finalize update; the segment count is re-derived
// from what is actually present under the job's segment prefix and the
// finalize update is replayed. A job parked in chunking_complete gets the
// reassembly trigger check replayed instead. Invoked explicitly, never on
// a schedule.
type Recovery struct {
	jobs    docstore.JobStore
	store   blob.Store
	trigger *Trigger
	logger  *slog.Logger
}

// NewRecovery builds the recovery helper.
func NewRecovery(jobs docstore.JobStore, store blob.Store, trigger *Trigger, logger *slog.Logger) *Recovery {
	return &Recovery{jobs: jobs, store: store, trigger: trigger, logger: logger}
}

// RecoverChunking replays the stalled step for a stuck job and returns the
// (derived or recorded) segment count.
func (r *Recovery) RecoverChunking(ctx context.Context, jobID string) (int, error) {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status == model.StatusChunkingComplete {
		// Finalize landed but the trigger never fired (or its request was
		// lost). The check re-runs it; the lock row keeps it single-shot.
		if err := r.trigger.Check(ctx, jobID); err != nil {
			return 0, err
		}
		return job.TotalSegments, nil
	}
	if job.Status != model.StatusChunkingInProgress {
		return 0, fmt.Errorf("job %s is %s, not stuck in chunking", jobID, job.Status)
	}

	infos, err := r.store.List(ctx, segkey.SegmentDir(jobID))
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, fmt.Errorf("job %s has no uploaded segments; re-deliver the source notification instead", jobID)
	}

	// Every canonical key embeds the total; all uploaded segments must
	// agree on it and every index below it must be present.
	total := 0
	seen := make(map[int]bool)
	for _, info := range infos {
		key, err := segkey.Parse(info.Key)
		if err != nil {
			return 0, fmt.Errorf("foreign object under segment prefix: %w", err)
		}
		if total == 0 {
			total = key.TotalSegments
		} else if key.TotalSegments != total {
			return 0, fmt.Errorf("job %s: segments disagree on total (%d vs %d)", jobID, total, key.TotalSegments)
		}
		seen[key.Index] = true
	}
	for i := 0; i < total; i++ {
		if !seen[i] {
			return 0, fmt.Errorf("job %s: segment %d of %d missing; split is incomplete", jobID, i, total)
		}
	}

	err = r.jobs.TransitionJob(ctx, jobID, model.ActorOperator,
		model.StatusChunkingInProgress, model.StatusChunkingComplete,
		map[string]string{docstore.FieldTotalSegments: strconv.Itoa(total)})
	if err != nil {
		return 0, err
	}

	r.logger.Info("stuck job recovered", "job_id", jobID, "total_segments", total)

	// The segments may have finished processing while the job sat stuck;
	// run the trigger check so a fully completed job proceeds immediately.
	if err := r.trigger.Check(ctx, jobID); err != nil {
		return 0, err
	}
	return total, nil
}
