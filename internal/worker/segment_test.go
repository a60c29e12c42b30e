package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/limiter"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
)

func TestSegmentSyncBackendRecordsCompletion(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute, 5)
	lim := limiter.New(4, testLogger())
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingComplete, TotalSegments: 1})

	segKey := segmentKey(t, "j1", 0, 1, "dub")
	putObject(t, store, segKey, "segment bytes")

	trig := NewTrigger(docs, docs, docs, q, testLogger())
	p := NewSegmentProcessor(docs, docs, lim, &fakeBackend{store: store}, trig, testLogger())

	msg := &queue.Message{ID: "1", Body: objectEvent(t, segKey)}
	require.NoError(t, p.Handle(ctx, msg))

	count, err := docs.CountCompletions(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "out:segment bytes", readObject(t, store, resultKey(t, "j1", 0, 1, "dub")))
	assert.EqualValues(t, 0, lim.InFlight())

	// The only segment completed, so this delivery also triggered.
	assert.Equal(t, 1, q.Len(queue.StreamReassemble))
}

func TestSegmentAsyncBackendHoldsSlot(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	lim := limiter.New(4, testLogger())
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingComplete, TotalSegments: 2})

	segKey := segmentKey(t, "j1", 0, 2, "dub")
	putObject(t, store, segKey, "segment bytes")

	trig := NewTrigger(docs, docs, docs, queue.NewMemoryQueue(time.Minute, 5), testLogger())
	p := NewSegmentProcessor(docs, docs, lim, &fakeBackend{store: store, async: true}, trig, testLogger())

	msg := &queue.Message{ID: "1", Body: objectEvent(t, segKey)}
	require.NoError(t, p.Handle(ctx, msg))

	assert.EqualValues(t, 1, lim.InFlight(), "slot stays held until the result lands")

	rec, ok, err := docs.ClaimInvocation(ctx, resultKey(t, "j1", 0, 2, "dub"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", rec.JobID)
	assert.Equal(t, 0, rec.Index)
	assert.Equal(t, 2, rec.TotalSegments)
	assert.Equal(t, segKey, rec.InputLocation)
}

func TestSegmentDuplicateDeliveryDoesNotLeakSlot(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	lim := limiter.New(4, testLogger())
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingComplete, TotalSegments: 2})

	segKey := segmentKey(t, "j1", 1, 2, "dub")
	putObject(t, store, segKey, "segment bytes")

	backend := &fakeBackend{store: store, async: true}
	trig := NewTrigger(docs, docs, docs, queue.NewMemoryQueue(time.Minute, 5), testLogger())
	p := NewSegmentProcessor(docs, docs, lim, backend, trig, testLogger())

	msg := &queue.Message{ID: "1", Body: objectEvent(t, segKey)}
	require.NoError(t, p.Handle(ctx, msg))
	require.NoError(t, p.Handle(ctx, &queue.Message{ID: "2", Body: objectEvent(t, segKey), Attempts: 2}))

	assert.EqualValues(t, 1, lim.InFlight(), "one slot per outstanding invocation")
	assert.Len(t, backend.invoked, 1, "the pending invocation record gates the backend call")
}

func TestSegmentBackendErrorIsRetriable(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	lim := limiter.New(4, testLogger())

	segKey := segmentKey(t, "j1", 0, 1, "dub")
	trig := NewTrigger(docs, docs, docs, queue.NewMemoryQueue(time.Minute, 5), testLogger())
	p := NewSegmentProcessor(docs, docs, lim, &fakeBackend{store: store, err: errors.New("backend down")}, trig, testLogger())

	err := p.Handle(ctx, &queue.Message{ID: "1", Body: objectEvent(t, segKey)})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.EqualValues(t, 0, lim.InFlight(), "slot released on invocation failure")

	// The record written before the attempt must be withdrawn so the
	// redelivery invokes the backend again.
	_, ok, claimErr := docs.ClaimInvocation(ctx, resultKey(t, "j1", 0, 1, "dub"))
	require.NoError(t, claimErr)
	assert.False(t, ok)
}

func TestSegmentMalformedKeyIsPermanent(t *testing.T) {
	lim := limiter.New(4, testLogger())
	docs := docstore.NewMemoryStore()
	trig := NewTrigger(docs, docs, docs, queue.NewMemoryQueue(time.Minute, 5), testLogger())
	p := NewSegmentProcessor(docs, docs, lim, &fakeBackend{store: blob.NewMemoryStore()}, trig, testLogger())

	err := p.Handle(context.Background(), &queue.Message{ID: "1", Body: objectEvent(t, "segments/j1/borked")})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.EqualValues(t, 0, lim.InFlight())
}
