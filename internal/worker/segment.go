package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/inference"
	"github.com/okonek/go-media-pipeline/internal/limiter"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/segkey"
)

// SegmentProcessor consumes segment-ready notifications and invokes the
// inference backend, holding a limiter slot for as long as the invocation
// is outstanding. In async mode the slot is released later, by the
// completion recorder, when the correlated result arrives.
type SegmentProcessor struct {
	invocations docstore.InvocationStore
	completions docstore.CompletionStore
	limiter     *limiter.Limiter
	backend     inference.Backend
	trigger     *Trigger
	logger      *slog.Logger
}

// NewSegmentProcessor builds the segment handler.
func NewSegmentProcessor(invocations docstore.InvocationStore, completions docstore.CompletionStore, lim *limiter.Limiter, backend inference.Backend, trigger *Trigger, logger *slog.Logger) *SegmentProcessor {
	return &SegmentProcessor{
		invocations: invocations,
		completions: completions,
		limiter:     lim,
		backend:     backend,
		trigger:     trigger,
		logger:      logger,
	}
}

func (p *SegmentProcessor) Handle(ctx context.Context, msg *queue.Message) error {
	var event model.ObjectCreated
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return Permanent(fmt.Errorf("undecodable segment notification: %w", err))
	}

	key, err := segkey.Parse(event.Key)
	if err != nil {
		return Permanent(err)
	}

	outputLocation, err := segkey.EncodeResult(key)
	if err != nil {
		return Permanent(err)
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return err
	}

	// The record goes in before the backend is called: a duplicate
	// notification must never reach the backend, or the limiter bound
	// stops describing its true parallelism.
	created, err := p.invocations.PutInvocation(ctx, outputLocation, model.InvocationRecord{
		JobID:         key.JobID,
		Index:         key.Index,
		TotalSegments: key.TotalSegments,
		Mode:          key.Mode,
		InputLocation: event.Key,
		InvokedAt:     time.Now().UTC(),
	})
	if err != nil {
		p.limiter.Release()
		return err
	}
	if !created {
		// Duplicate notification while the first invocation is still
		// outstanding: its slot is already counted.
		p.limiter.Release()
		p.logger.Info("duplicate segment notification, invocation already pending",
			"job_id", key.JobID, "segment_index", key.Index)
		return nil
	}

	inv, err := p.backend.Invoke(ctx, event.Key, outputLocation, key.Mode)
	if err != nil {
		// Withdraw the record so a redelivery can invoke again.
		if _, _, claimErr := p.invocations.ClaimInvocation(ctx, outputLocation); claimErr != nil {
			p.logger.Error("withdraw invocation after failed invoke",
				"output", outputLocation, "error", claimErr)
		}
		p.limiter.Release()
		return fmt.Errorf("invoke segment %s/%d: %w", key.JobID, key.Index, err)
	}

	if inv.Async {
		// Message handled: the result notification carries it from here.
		// The limiter slot stays held until that result lands.
		p.logger.Debug("async invocation recorded",
			"job_id", key.JobID, "segment_index", key.Index, "output", outputLocation)
		return nil
	}

	// Synchronous backend: the output object exists, and its creation
	// notification may already be in flight. Whoever claims the record
	// owns the completion write and the slot release.
	_, ok, err := p.invocations.ClaimInvocation(ctx, outputLocation)
	if err != nil {
		p.limiter.Release()
		return err
	}
	if !ok {
		p.logger.Info("segment completion already recorded via result delivery",
			"job_id", key.JobID, "segment_index", key.Index)
		return nil
	}

	err = p.completions.RecordCompletion(ctx, model.SegmentCompletion{
		JobID:          key.JobID,
		Index:          key.Index,
		OutputLocation: outputLocation,
		CompletedAt:    time.Now().UTC(),
	})
	p.limiter.Release()
	if err != nil {
		return err
	}

	return p.trigger.Check(ctx, key.JobID)
}
