package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/media"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/segkey"
)

// Splitter cuts a staged source file into ordered segment files.
type Splitter interface {
	Split(ctx context.Context, inputPath, workDir string, segmentSeconds int) ([]string, error)
}

// Chunker consumes source-uploaded notifications, splits the source into
// ordered segments under canonical keys, and finalizes the job's segment
// count in one guarded atomic update. Everything before that final update
// is an idempotent overwrite, so redelivery safely repeats the whole split.
type Chunker struct {
	jobs           docstore.JobStore
	store          blob.Store
	splitter       Splitter
	trigger        *Trigger
	segmentSeconds int
	tempDir        string
	logger         *slog.Logger
}

// NewChunker builds the chunking handler.
func NewChunker(jobs docstore.JobStore, store blob.Store, splitter Splitter, trigger *Trigger, segmentSeconds int, tempDir string, logger *slog.Logger) *Chunker {
	if segmentSeconds <= 0 {
		segmentSeconds = 300
	}
	return &Chunker{
		jobs:           jobs,
		store:          store,
		splitter:       splitter,
		trigger:        trigger,
		segmentSeconds: segmentSeconds,
		tempDir:        tempDir,
		logger:         logger,
	}
}

func (c *Chunker) Handle(ctx context.Context, msg *queue.Message) error {
	var event model.ObjectCreated
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return Permanent(fmt.Errorf("undecodable source notification: %w", err))
	}

	jobID, err := segkey.JobIDFromSource(event.Key)
	if err != nil {
		return Permanent(err)
	}

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}

	// Claim the job. A condition failure means another actor holds the job
	// right now; what to do depends on where the job stands.
	err = c.jobs.TransitionJob(ctx, jobID, model.ActorChunker,
		model.StatusCreated, model.StatusChunkingInProgress, nil)
	if err != nil {
		if !errors.Is(err, docstore.ErrConditionFailed) {
			return err
		}
		current, getErr := c.jobs.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		switch current.Status {
		case model.StatusChunkingInProgress:
			// Stale in-progress marker from a crashed run: repeat the split.
		case model.StatusIngesting, model.StatusCreated:
			// The object landed before the API handed the job over. This
			// notification is the job's only chunking trigger, so hold it
			// on the stream until the claim can win.
			return fmt.Errorf("job %s not ready for chunking (status %s)", jobID, current.Status)
		default:
			c.logger.Info("duplicate chunking notification for advanced job",
				"job_id", jobID, "status", current.Status)
			return nil
		}
	}

	total, err := c.split(ctx, job, event.Key)
	if err != nil {
		return err
	}

	// The one atomic update: total_segments and chunking_complete land
	// together, guarded on the in-progress status so a stale run cannot
	// clobber a job that already advanced.
	err = c.jobs.TransitionJob(ctx, jobID, model.ActorChunker,
		model.StatusChunkingInProgress, model.StatusChunkingComplete,
		map[string]string{docstore.FieldTotalSegments: strconv.Itoa(total)})
	if err != nil {
		if errors.Is(err, docstore.ErrConditionFailed) {
			c.logger.Info("chunking already finalized elsewhere", "job_id", jobID)
			return c.trigger.Check(ctx, jobID)
		}
		return err
	}

	c.logger.Info("chunking complete", "job_id", jobID, "total_segments", total)

	// All completions may already be in if the segments raced ahead of the
	// finalize; their deliveries saw chunking_in_progress and bailed, so
	// this is the last delivery guaranteed to run after both conditions
	// hold. The check is lock-guarded and idempotent.
	return c.trigger.Check(ctx, jobID)
}

// split stages the source, cuts it, and uploads every segment under its
// canonical key. Overwriting an existing segment is harmless; keys are
// deterministic.
func (c *Chunker) split(ctx context.Context, job *model.Job, sourceKey string) (int, error) {
	work := filepath.Join(c.tempDir, "chunk-"+job.ID)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	inputPath := filepath.Join(work, "source"+filepath.Ext(sourceKey))
	if err := media.Download(ctx, c.store, sourceKey, inputPath); err != nil {
		return 0, fmt.Errorf("stage source: %w", err)
	}

	paths, err := c.splitter.Split(ctx, inputPath, filepath.Join(work, "segments"), c.segmentSeconds)
	if err != nil {
		return 0, err
	}

	total := len(paths)
	for i, path := range paths {
		key, err := segkey.Encode(segkey.Key{
			JobID:         job.ID,
			Index:         i,
			TotalSegments: total,
			Mode:          job.Mode,
		})
		if err != nil {
			return 0, Permanent(fmt.Errorf("segment key for job %s: %w", job.ID, err))
		}
		if err := media.Upload(ctx, c.store, path, key); err != nil {
			return 0, fmt.Errorf("upload segment %d/%d: %w", i, total, err)
		}
	}
	return total, nil
}
