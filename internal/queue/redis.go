package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// RedisQueue implements Queue on Redis Streams with consumer groups.
//
// Lease semantics: a message read via XREADGROUP stays in the group's
// pending list until acked. Before blocking for new messages, Receive runs
// an XAUTOCLAIM sweep with min-idle equal to the configured visibility
// window, so a message abandoned by a crashed worker is redelivered to
// whichever consumer sweeps first. The XPENDING delivery count drives the
// dead-letter cutoff.
type RedisQueue struct {
	client      *redis.Client
	group       string
	consumer    string
	visibility  time.Duration
	maxAttempts int
}

// RedisQueueConfig holds configuration for RedisQueue.
type RedisQueueConfig struct {
	Group       string
	Visibility  time.Duration
	MaxAttempts int
}

// NewRedisQueue creates a queue client with a unique consumer name.
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	if cfg.Group == "" {
		cfg.Group = "pipeline-workers"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &RedisQueue{
		client:      client,
		group:       cfg.Group,
		consumer:    fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		visibility:  cfg.Visibility,
		maxAttempts: cfg.MaxAttempts,
	}
}

// EnsureGroups creates the consumer group on each stream if absent.
func (q *RedisQueue) EnsureGroups(ctx context.Context, streams ...string) error {
	for _, stream := range streams {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

// Send publishes a message to the named stream.
func (q *RedisQueue) Send(ctx context.Context, stream string, body []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{bodyField: string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", stream, err)
	}
	return nil
}

// Receive returns the next message on the stream, preferring messages whose
// lease expired over fresh ones. Messages that exhausted their retry budget
// are moved to the dead-letter stream and skipped.
func (q *RedisQueue) Receive(ctx context.Context, stream string, wait time.Duration) (*Message, error) {
	if msg, err := q.reclaim(ctx, stream); err != nil || msg != nil {
		return msg, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    wait,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup on %s: %w", stream, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.deliver(ctx, stream, streams[0].Messages[0])
}

// reclaim redelivers one message whose lease expired, if any.
func (q *RedisQueue) reclaim(ctx context.Context, stream string) (*Message, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim on %s: %w", stream, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return q.deliver(ctx, stream, claimed[0])
}

// deliver builds a Message from a raw stream entry, dead-lettering it first
// when its attempts are spent.
func (q *RedisQueue) deliver(ctx context.Context, stream string, raw redis.XMessage) (*Message, error) {
	attempts := q.deliveryCount(ctx, stream, raw.ID)

	body, _ := raw.Values[bodyField].(string)
	msg := &Message{
		ID:       raw.ID,
		Stream:   stream,
		Body:     []byte(body),
		Attempts: int(attempts),
	}

	if int(attempts) > q.maxAttempts {
		if err := q.deadLetter(ctx, msg); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return msg, nil
}

// deliveryCount reads the XPENDING retry count for a message. Falls back to
// 1 when the entry cannot be read; the message then simply gets one more
// chance than it strictly earned.
func (q *RedisQueue) deliveryCount(ctx context.Context, stream, messageID string) int64 {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

// deadLetter moves an exhausted message to the dead-letter stream and acks
// the original so it stops circulating. Fail-stop, not silent drop: the DLQ
// entry preserves the body for operator inspection.
func (q *RedisQueue) deadLetter(ctx context.Context, msg *Message) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQName(msg.Stream),
		Values: map[string]interface{}{
			bodyField:             string(msg.Body),
			"original_message_id": msg.ID,
			"original_stream":     msg.Stream,
			"attempts":            msg.Attempts,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"consumer":            q.consumer,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to dlq for %s: %w", msg.Stream, err)
	}
	return q.client.XAck(ctx, msg.Stream, q.group, msg.ID).Err()
}

// Ack removes a handled message from the pending list.
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	return q.client.XAck(ctx, msg.Stream, q.group, msg.ID).Err()
}

// Nack leaves the message pending; it becomes claimable again once its
// lease window elapses.
func (q *RedisQueue) Nack(ctx context.Context, msg *Message) error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)
