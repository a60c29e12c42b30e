package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/limiter"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
)

// FailureSuffix marks failure-result objects under the results prefix.
// Trimming it recovers the output location the invocation was recorded
// under.
const FailureSuffix = ".failed"

// CompletionRecorder consumes result notifications from the async
// inference backend, records one completion row per segment, releases the
// limiter slot the segment processor acquired, and runs the reassembly
// trigger check.
type CompletionRecorder struct {
	invocations docstore.InvocationStore
	completions docstore.CompletionStore
	limiter     *limiter.Limiter
	trigger     *Trigger
	logger      *slog.Logger
}

// NewCompletionRecorder builds the result handler.
func NewCompletionRecorder(invocations docstore.InvocationStore, completions docstore.CompletionStore, lim *limiter.Limiter, trigger *Trigger, logger *slog.Logger) *CompletionRecorder {
	return &CompletionRecorder{
		invocations: invocations,
		completions: completions,
		limiter:     lim,
		trigger:     trigger,
		logger:      logger,
	}
}

func (r *CompletionRecorder) Handle(ctx context.Context, msg *queue.Message) error {
	var event model.ObjectCreated
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return Permanent(fmt.Errorf("undecodable result notification: %w", err))
	}

	if strings.HasSuffix(event.Key, FailureSuffix) {
		return r.handleFailure(ctx, event)
	}

	// Success result: claim the invocation record. The claim is an atomic
	// read-and-delete, so duplicate result notifications race on it and
	// exactly one proceeds past this point.
	rec, ok, err := r.invocations.ClaimInvocation(ctx, event.Key)
	if err != nil {
		return err
	}
	if !ok {
		// Already processed, or the record expired. The limiter slot for
		// this invocation was released by whichever delivery claimed it.
		r.logger.Info("result without pending invocation, ignoring", "output", event.Key)
		return nil
	}

	err = r.completions.RecordCompletion(ctx, model.SegmentCompletion{
		JobID:          rec.JobID,
		Index:          rec.Index,
		OutputLocation: event.Key,
		CompletedAt:    time.Now().UTC(),
	})
	if err != nil {
		// The claim already consumed the invocation record; put it back so
		// the redelivered notification can retry the write.
		if _, putErr := r.invocations.PutInvocation(ctx, event.Key, rec); putErr != nil {
			r.logger.Error("restore invocation after failed completion write",
				"output", event.Key, "error", putErr)
		}
		return err
	}

	r.limiter.Release()

	r.logger.Info("segment completion recorded",
		"job_id", rec.JobID, "segment_index", rec.Index, "output", event.Key)

	return r.trigger.Check(ctx, rec.JobID)
}

// handleFailure releases the capacity held by the failed invocation and
// drops the message. The segment never completes, reassembly never
// triggers, and the job surfaces to the operator via the stuck-job sweep.
// Failing stopped beats skipping a segment silently.
//
// The failure key is the output location plus the suffix, so the pending
// invocation is claimed under the trimmed key. The claim makes the release
// idempotent: a redelivered failure notification finds no record and frees
// nothing.
func (r *CompletionRecorder) handleFailure(ctx context.Context, event model.ObjectCreated) error {
	outputLocation := strings.TrimSuffix(event.Key, FailureSuffix)
	rec, ok, err := r.invocations.ClaimInvocation(ctx, outputLocation)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Info("failure result without pending invocation, ignoring", "result", event.Key)
		return nil
	}

	r.limiter.Release()
	r.logger.Error("inference backend reported segment failure",
		"job_id", rec.JobID, "segment_index", rec.Index, "result", event.Key)
	return nil
}
