package model

import "time"

// Status represents the lifecycle stage of a media job.
type Status string

const (
	StatusCreated            Status = "created"
	StatusIngesting          Status = "ingesting"
	StatusChunkingInProgress Status = "chunking_in_progress"
	StatusChunkingComplete   Status = "chunking_complete"
	StatusReassembling       Status = "reassembling"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusDeleted            Status = "deleted"
)

// Actor identifies which worker role owns a status transition. Every write
// to Job.Status goes through a conditional update guarded by the transition
// table below, so no two roles can race the same field.
type Actor string

const (
	ActorAPI         Actor = "api"
	ActorChunker     Actor = "chunker"
	ActorTrigger     Actor = "trigger"
	ActorReassembler Actor = "reassembler"
	ActorOperator    Actor = "operator"
)

// Transition is one legal edge of the job state machine.
type Transition struct {
	From  Status
	Actor Actor
	To    Status
}

// Transitions is the authoritative table of legal status changes.
var Transitions = []Transition{
	{StatusCreated, ActorAPI, StatusIngesting},
	{StatusIngesting, ActorAPI, StatusCreated},
	{StatusCreated, ActorChunker, StatusChunkingInProgress},
	{StatusChunkingInProgress, ActorChunker, StatusChunkingComplete},
	{StatusChunkingInProgress, ActorOperator, StatusChunkingComplete},
	{StatusChunkingComplete, ActorTrigger, StatusReassembling},
	{StatusReassembling, ActorReassembler, StatusCompleted},

	{StatusIngesting, ActorAPI, StatusFailed},
	{StatusChunkingInProgress, ActorChunker, StatusFailed},
	{StatusChunkingComplete, ActorOperator, StatusFailed},
	{StatusReassembling, ActorReassembler, StatusFailed},

	{StatusCompleted, ActorAPI, StatusDeleted},
	{StatusFailed, ActorAPI, StatusDeleted},
}

// CanTransition reports whether the given actor may move a job from one
// status to another.
func CanTransition(from Status, actor Actor, to Status) bool {
	for _, t := range Transitions {
		if t.From == from && t.Actor == actor && t.To == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further processing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeleted
}

// Job is one source-to-artifact conversion. TotalSegments is zero until the
// chunker finalizes the split; it is set exactly once, in the same atomic
// update that moves the job to chunking_complete.
type Job struct {
	ID            string     `json:"job_id"`
	Mode          string     `json:"mode"`
	Status        Status     `json:"status"`
	TotalSegments int        `json:"total_segments"`
	SourceKey     string     `json:"source_key,omitempty"`
	ArtifactKey   string     `json:"artifact_key,omitempty"`
	ErrorMessage  string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// SegmentCompletion is one row per successfully processed segment. The
// (JobID, Index) pair is the compound key; writes are idempotent because the
// key is deterministic and overwrites carry identical data.
type SegmentCompletion struct {
	JobID          string    `json:"job_id"`
	Index          int       `json:"segment_index"`
	OutputLocation string    `json:"output_location"`
	CompletedAt    time.Time `json:"completed_at"`
}

// InvocationRecord correlates an asynchronous inference result back to the
// segment that produced it. Keyed by output location, written by the segment
// processor before it acks, claimed (atomically read-and-deleted) by the
// completion recorder when the result lands.
type InvocationRecord struct {
	JobID         string    `json:"job_id"`
	Index         int       `json:"segment_index"`
	TotalSegments int       `json:"total_segments"`
	Mode          string    `json:"mode"`
	InputLocation string    `json:"input_location"`
	InvokedAt     time.Time `json:"invoked_at"`
}
