package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisQueue(t *testing.T, cfg RedisQueueConfig) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewRedisQueue(client, cfg)
	require.NoError(t, q.EnsureGroups(context.Background(), StreamSegmentReady))
	return mr, q
}

func TestRedisQueueSendReceiveAck(t *testing.T) {
	_, q := setupRedisQueue(t, RedisQueueConfig{Visibility: time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, StreamSegmentReady, []byte(`{"key":"segments/j/00000_00002_dub"}`)))

	msg, err := q.Receive(ctx, StreamSegmentReady, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, StreamSegmentReady, msg.Stream)
	assert.JSONEq(t, `{"key":"segments/j/00000_00002_dub"}`, string(msg.Body))
	assert.Equal(t, 1, msg.Attempts)

	require.NoError(t, q.Ack(ctx, msg))

	// Acked message never comes back.
	again, err := q.Receive(ctx, StreamSegmentReady, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRedisQueueReceiveEmptyReturnsNil(t *testing.T) {
	_, q := setupRedisQueue(t, RedisQueueConfig{Visibility: time.Minute})
	msg, err := q.Receive(context.Background(), StreamSegmentReady, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRedisQueueRedeliveryAfterLease(t *testing.T) {
	mr, q := setupRedisQueue(t, RedisQueueConfig{Visibility: time.Second, MaxAttempts: 5})
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, StreamSegmentReady, []byte("payload")))

	first, err := q.Receive(ctx, StreamSegmentReady, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Lease not yet expired: nothing to claim.
	none, err := q.Receive(ctx, StreamSegmentReady, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Crash simulation: no ack, let the lease lapse.
	mr.SetTime(time.Now().UTC().Add(2 * time.Second))

	second, err := q.Receive(ctx, StreamSegmentReady, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []byte("payload"), second.Body)
	assert.Greater(t, second.Attempts, first.Attempts)
}

func TestRedisQueueDeadLetterAfterMaxAttempts(t *testing.T) {
	mr, q := setupRedisQueue(t, RedisQueueConfig{Visibility: time.Second, MaxAttempts: 2})
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, StreamSegmentReady, []byte("poison")))

	for i := 0; i < 2; i++ {
		msg, err := q.Receive(ctx, StreamSegmentReady, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, msg, "attempt %d", i+1)
		mr.SetTime(time.Now().UTC().Add(time.Duration(i+1) * 2 * time.Second))
	}

	// Third delivery exceeds the budget: moved to the DLQ, not returned.
	msg, err := q.Receive(ctx, StreamSegmentReady, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	dlqLen, err := redis.NewClient(&redis.Options{Addr: mr.Addr()}).
		XLen(ctx, DLQName(StreamSegmentReady)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)
}

func TestRedisQueueNackLeavesMessagePending(t *testing.T) {
	mr, q := setupRedisQueue(t, RedisQueueConfig{Visibility: time.Second, MaxAttempts: 5})
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, StreamSegmentReady, []byte("retry me")))

	msg, err := q.Receive(ctx, StreamSegmentReady, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Nack(ctx, msg))

	mr.SetTime(time.Now().UTC().Add(2 * time.Second))

	again, err := q.Receive(ctx, StreamSegmentReady, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.ID, again.ID)
}
