package model

// Queue message payloads. Each stage is triggered either by an object-store
// notification (carrying only the created object's key) or by an explicit
// request enqueued by the previous stage. Payloads stay minimal: identity is
// recovered from canonical keys, state from the document store.

// ObjectCreated is the notification emitted when an object lands under a
// watched prefix. It triggers chunking (sources/), segment processing
// (segments/), and completion recording (results/).
type ObjectCreated struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size,omitempty"`
}

// ReassembleRequest asks the reassembler to assemble a finished job. It
// carries only the job id; everything else is re-derived from durable state
// so a stale request cannot smuggle stale parameters.
type ReassembleRequest struct {
	JobID string `json:"job_id"`
}

// ResultStatus distinguishes success from failure result objects under the
// results prefix.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

// InferenceResult is the body of a result object written by the async
// inference backend. Success results are keyed by the canonical output
// location; failure results share no key with any completion row.
type InferenceResult struct {
	Status         ResultStatus `json:"status"`
	OutputLocation string       `json:"output_location"`
	Error          string       `json:"error,omitempty"`
}
