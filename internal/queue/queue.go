// Package queue defines the durable queue contract the workers consume
// from: at-least-once delivery, redelivery after a lease window, explicit
// ack on success, and a per-stream dead-letter path once a message exhausts
// its retry budget.
package queue

import (
	"context"
	"time"
)

// Message is one delivery. Attempts counts deliveries including this one,
// so handlers and the dead-letter check can see how often a message has
// already bounced.
type Message struct {
	ID       string
	Stream   string
	Body     []byte
	Attempts int
}

// Queue is the transport between pipeline stages. Implementations must
// guarantee at-least-once delivery; consumers are written to tolerate
// duplicates, never to require exactly-once.
type Queue interface {
	// Send publishes a message to the named stream.
	Send(ctx context.Context, stream string, body []byte) error

	// Receive waits up to the given duration for a message on the stream.
	// It returns (nil, nil) when nothing arrived within the window. A
	// received message is leased to the caller: it must be Acked, Nacked,
	// or left to expire back onto the stream.
	Receive(ctx context.Context, stream string, wait time.Duration) (*Message, error)

	// Ack removes a successfully handled message.
	Ack(ctx context.Context, msg *Message) error

	// Nack surrenders the lease so the message is redelivered (or
	// dead-lettered once its attempts are spent).
	Nack(ctx context.Context, msg *Message) error
}

// Stream names, one per pipeline stage.
const (
	StreamSourceUploaded = "pipeline:v1:sources"
	StreamSegmentReady   = "pipeline:v1:segments"
	StreamResultReady    = "pipeline:v1:results"
	StreamReassemble     = "pipeline:v1:reassemble"
)

// DLQName returns the dead-letter stream for a queue stream.
func DLQName(stream string) string {
	return "dlq:" + stream
}
