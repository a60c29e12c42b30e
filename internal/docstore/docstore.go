// Package docstore holds the durable records the workers coordinate
// through: job state, segment completions, reassembly locks, and async
// invocation correlation. Atomic conditional writes are the only
// synchronization primitive; there are no held locks anywhere in the
// pipeline.
package docstore

import (
	"context"
	"errors"

	"github.com/okonek/go-media-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("docstore: record not found")

	// ErrConditionFailed is returned when a conditional write's guard did
	// not hold. Callers treat it as "someone else got there first", never
	// as a transient fault.
	ErrConditionFailed = errors.New("docstore: condition failed")

	// ErrIllegalTransition is returned when a requested status change is
	// not in the transition table for the given actor.
	ErrIllegalTransition = errors.New("docstore: illegal status transition")
)

// JobStore persists Job records.
type JobStore interface {
	// CreateJob writes a new job record. Fails if the id already exists.
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob reads a job record.
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// TransitionJob atomically moves a job from one status to another,
	// applying extra field updates in the same write. The transition must
	// be legal for the actor per the model table, and the job must still
	// be in the from status; otherwise ErrIllegalTransition or
	// ErrConditionFailed.
	TransitionJob(ctx context.Context, id string, actor model.Actor, from, to model.Status, fields map[string]string) error
}

// CompletionStore records one row per processed segment. Record is
// idempotent: the compound key is deterministic and overwrites carry
// identical data.
type CompletionStore interface {
	RecordCompletion(ctx context.Context, c model.SegmentCompletion) error
	CountCompletions(ctx context.Context, jobID string) (int, error)
	// ListCompletions returns a job's completions ordered by segment index.
	ListCompletions(ctx context.Context, jobID string) ([]model.SegmentCompletion, error)
}

// LockStore implements the two-phase reassembly marker. AcquireTrigger wins
// the right to enqueue the reassembly request; AcquireStart wins the right
// to execute it. Both are single conditional create-if-absent writes, and
// each returns false when another delivery already holds the phase.
type LockStore interface {
	AcquireTrigger(ctx context.Context, jobID string) (bool, error)
	AcquireStart(ctx context.Context, jobID string) (bool, error)
}

// InvocationStore correlates async inference results back to their segment.
type InvocationStore interface {
	// PutInvocation is a conditional create: it returns created=false when
	// a record for the output location is already pending, which is how a
	// duplicate segment notification is detected before it double-counts
	// limiter capacity.
	PutInvocation(ctx context.Context, outputLocation string, rec model.InvocationRecord) (created bool, err error)

	// ClaimInvocation atomically reads and deletes the record, so duplicate
	// result notifications race on the claim and only one observes it.
	// Returns ok=false when the record is absent (already claimed or
	// expired).
	ClaimInvocation(ctx context.Context, outputLocation string) (rec model.InvocationRecord, ok bool, err error)
}

// Store is the full document-store surface.
type Store interface {
	JobStore
	CompletionStore
	LockStore
	InvocationStore
}

// Well-known extra field names accepted by TransitionJob.
const (
	FieldTotalSegments = "total_segments"
	FieldError         = "error"
	FieldCompletedAt   = "completed_at"
	FieldArtifactKey   = "artifact_key"
	FieldSourceKey     = "source_key"
)
