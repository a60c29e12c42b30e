package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/media"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/segkey"
)

// Concatenator joins ordered staged segment outputs into one file.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, outputPath string) error
}

// Reassembler consumes reassembly requests, concatenates a job's completed
// segment outputs in index order, and publishes the final artifact. Two
// idempotency layers guard duplicate requests: the artifact-exists
// short-circuit and the conditional start marker on the lock row.
type Reassembler struct {
	jobs        docstore.JobStore
	completions docstore.CompletionStore
	locks       docstore.LockStore
	store       blob.Store
	concat      Concatenator
	tempDir     string
	logger      *slog.Logger
}

// NewReassembler builds the reassembly handler.
func NewReassembler(jobs docstore.JobStore, completions docstore.CompletionStore, locks docstore.LockStore, store blob.Store, concat Concatenator, tempDir string, logger *slog.Logger) *Reassembler {
	return &Reassembler{
		jobs:        jobs,
		completions: completions,
		locks:       locks,
		store:       store,
		concat:      concat,
		tempDir:     tempDir,
		logger:      logger,
	}
}

func (r *Reassembler) Handle(ctx context.Context, msg *queue.Message) error {
	var req model.ReassembleRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return Permanent(fmt.Errorf("undecodable reassembly request: %w", err))
	}
	if req.JobID == "" {
		return Permanent(fmt.Errorf("reassembly request without job id"))
	}

	job, err := r.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}

	artifactKey := segkey.ArtifactKey(job.ID, job.Mode)

	// Short-circuit: the artifact already exists, so a previous run got
	// all the way through. At most the status transition is left to do.
	exists, err := r.store.Exists(ctx, artifactKey)
	if err != nil {
		return err
	}
	if exists {
		return r.finish(ctx, job, artifactKey)
	}

	won, err := r.locks.AcquireStart(ctx, job.ID)
	if err != nil {
		return err
	}
	if !won {
		// Another worker is (or was) reassembling this job. Exit without
		// side effects; a crashed run surfaces via the operator sweep.
		r.logger.Info("reassembly already started elsewhere", "job_id", job.ID)
		return nil
	}

	if err := r.assemble(ctx, job, artifactKey); err != nil {
		return err
	}

	if err := r.finish(ctx, job, artifactKey); err != nil {
		return err
	}
	r.logger.Info("final artifact published", "job_id", job.ID, "artifact", artifactKey)
	return nil
}

// assemble stages every completed segment output, in index order, and
// publishes the concatenated artifact.
func (r *Reassembler) assemble(ctx context.Context, job *model.Job, artifactKey string) error {
	completions, err := r.completions.ListCompletions(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(completions) != job.TotalSegments {
		// The trigger only fires at count == total, so a mismatch here
		// means the store is behind; let redelivery retry.
		return fmt.Errorf("job %s: %d completions for %d segments",
			job.ID, len(completions), job.TotalSegments)
	}
	for i, c := range completions {
		if c.Index != i {
			return Permanent(fmt.Errorf("job %s: completion gap at index %d", job.ID, i))
		}
	}

	work := filepath.Join(r.tempDir, "assemble-"+job.ID)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	inputs := make([]string, 0, len(completions))
	for _, c := range completions {
		localPath := filepath.Join(work, fmt.Sprintf("part_%05d", c.Index))
		if err := media.Download(ctx, r.store, c.OutputLocation, localPath); err != nil {
			return fmt.Errorf("stage segment output %d: %w", c.Index, err)
		}
		inputs = append(inputs, localPath)
	}

	outputPath := filepath.Join(work, "artifact")
	if err := r.concat.Concat(ctx, inputs, outputPath); err != nil {
		return err
	}

	return media.Upload(ctx, r.store, outputPath, artifactKey)
}

// finish records the terminal transition. A condition failure means the
// job already completed through another path; that is the idempotent
// outcome, not an error. The artifact is durable by now, so a transient
// store error can safely ride redelivery back into the short-circuit path.
func (r *Reassembler) finish(ctx context.Context, job *model.Job, artifactKey string) error {
	err := r.jobs.TransitionJob(ctx, job.ID, model.ActorReassembler,
		model.StatusReassembling, model.StatusCompleted, map[string]string{
			docstore.FieldArtifactKey: artifactKey,
			docstore.FieldCompletedAt: time.Now().UTC().Format(time.RFC3339Nano),
		})
	if err != nil && !errors.Is(err, docstore.ErrConditionFailed) {
		return fmt.Errorf("record completed status for %s: %w", job.ID, err)
	}
	return nil
}
