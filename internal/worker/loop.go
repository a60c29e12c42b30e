// Package worker implements the four cooperating consumer loops of the
// pipeline: chunker, segment processor, completion recorder/trigger, and
// reassembler. Workers are stateless between messages (the invocation
// limiter excepted) and coordinate only through the queue, the object
// store, and the document store.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/okonek/go-media-pipeline/internal/queue"
)

// permanentError marks a failure that retrying cannot change: malformed
// keys, unknown jobs. The loop acks these and logs them instead of letting
// them churn through redelivery into the DLQ.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether an error was marked non-retriable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Handler processes one message. A nil return acks the message; a
// permanent error acks and logs; any other error surrenders the lease so
// the queue redelivers.
type Handler interface {
	Handle(ctx context.Context, msg *queue.Message) error
}

// Loop is one single-threaded consumer loop over one stream. Parallelism
// comes from running multiple loop instances, not from concurrency inside
// a loop.
type Loop struct {
	queue   queue.Queue
	stream  string
	handler Handler
	poll    time.Duration
	logger  *slog.Logger
}

// NewLoop builds a consumer loop.
func NewLoop(q queue.Queue, stream string, handler Handler, poll time.Duration, logger *slog.Logger) *Loop {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Loop{queue: q, stream: stream, handler: handler, poll: poll, logger: logger}
}

// Run consumes until the context is cancelled. Receive errors back off
// exponentially; handler outcomes drive ack/nack as described on Handler.
func (l *Loop) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := l.queue.Receive(ctx, l.stream, l.poll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("queue receive failed", "stream", l.stream, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if msg == nil {
			continue
		}

		l.dispatch(ctx, msg)
	}
}

func (l *Loop) dispatch(ctx context.Context, msg *queue.Message) {
	err := l.handler.Handle(ctx, msg)
	switch {
	case err == nil:
		if ackErr := l.queue.Ack(ctx, msg); ackErr != nil {
			// The handler's writes were idempotent, so redelivery is safe;
			// just note it.
			l.logger.Warn("ack failed", "stream", l.stream, "message_id", msg.ID, "error", ackErr)
		}
	case IsPermanent(err):
		l.logger.Error("dropping message after non-retriable failure",
			"stream", l.stream, "message_id", msg.ID, "error", err)
		if ackErr := l.queue.Ack(ctx, msg); ackErr != nil {
			l.logger.Warn("ack failed", "stream", l.stream, "message_id", msg.ID, "error", ackErr)
		}
	default:
		l.logger.Warn("handler failed, message will be redelivered",
			"stream", l.stream, "message_id", msg.ID, "attempt", msg.Attempts, "error", err)
		if nackErr := l.queue.Nack(ctx, msg); nackErr != nil {
			l.logger.Warn("nack failed", "stream", l.stream, "message_id", msg.ID, "error", nackErr)
		}
	}
}
