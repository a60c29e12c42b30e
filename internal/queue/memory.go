package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same delivery semantics as
// the Redis implementation: leased messages, redelivery on nack or lease
// expiry, dead-lettering after the attempt budget. Used by worker tests.
type MemoryQueue struct {
	mu          sync.Mutex
	nextID      int
	ready       map[string][]*memoryEntry
	leased      map[string]*memoryEntry
	dead        map[string][]*Message
	visibility  time.Duration
	maxAttempts int
}

type memoryEntry struct {
	msg      *Message
	leasedAt time.Time
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(visibility time.Duration, maxAttempts int) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &MemoryQueue{
		ready:       make(map[string][]*memoryEntry),
		leased:      make(map[string]*memoryEntry),
		dead:        make(map[string][]*Message),
		visibility:  visibility,
		maxAttempts: maxAttempts,
	}
}

func (q *MemoryQueue) Send(ctx context.Context, stream string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	entry := &memoryEntry{msg: &Message{
		ID:     strconv.Itoa(q.nextID),
		Stream: stream,
		Body:   append([]byte(nil), body...),
	}}
	q.ready[stream] = append(q.ready[stream], entry)
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, stream string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if msg := q.take(stream); msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (q *MemoryQueue) take(stream string) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(stream)

	for len(q.ready[stream]) > 0 {
		entry := q.ready[stream][0]
		q.ready[stream] = q.ready[stream][1:]
		entry.msg.Attempts++
		if entry.msg.Attempts > q.maxAttempts {
			q.dead[stream] = append(q.dead[stream], entry.msg)
			continue
		}
		entry.leasedAt = time.Now()
		q.leased[entry.msg.ID] = entry
		return entry.msg
	}
	return nil
}

// expireLocked returns timed-out leases to the ready list.
func (q *MemoryQueue) expireLocked(stream string) {
	now := time.Now()
	for id, entry := range q.leased {
		if entry.msg.Stream == stream && now.Sub(entry.leasedAt) >= q.visibility {
			delete(q.leased, id)
			q.ready[stream] = append(q.ready[stream], entry)
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, msg.ID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.leased[msg.ID]; ok {
		delete(q.leased, msg.ID)
		q.ready[msg.Stream] = append(q.ready[msg.Stream], entry)
	}
	return nil
}

// DeadLetters returns the messages dead-lettered on a stream.
func (q *MemoryQueue) DeadLetters(stream string) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Message(nil), q.dead[stream]...)
}

// Len reports how many messages are ready on a stream.
func (q *MemoryQueue) Len(stream string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[stream])
}

var _ Queue = (*MemoryQueue)(nil)
