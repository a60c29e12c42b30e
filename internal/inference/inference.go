// Package inference abstracts the external compute backend that transforms
// one segment. Backends are slow and variable-latency; the pipeline bounds
// its exposure with the shared invocation limiter, not with timeouts here.
package inference

import "context"

// Invocation is the backend's answer to an invoke call.
type Invocation struct {
	// Async reports that the backend only acknowledged the request. The
	// result (success or failure) will appear later as an object under the
	// results prefix, which the object store notifies on.
	Async bool
}

// Backend invokes the compute step for one segment. Synchronous backends
// write the output object at outputLocation before returning; asynchronous
// backends return immediately and deliver via the results prefix.
type Backend interface {
	Invoke(ctx context.Context, inputLocation, outputLocation, mode string) (Invocation, error)
}
