package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/segkey"
)

func TestRecoveryReplaysFinalize(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingInProgress})
	for i := 0; i < 3; i++ {
		putObject(t, store, segmentKey(t, "j1", i, 3, "dub"), "seg")
	}

	trig, _ := newTestTrigger(docs)
	rec := NewRecovery(docs, store, trig, testLogger())
	total, err := rec.RecoverChunking(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	job, err := docs.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChunkingComplete, job.Status)
	assert.Equal(t, 3, job.TotalSegments)
}

func TestRecoveryReplaysTriggerForParkedJob(t *testing.T) {
	// Finalize landed and every segment completed, but the reassembly
	// request was never sent. Recovery replays the trigger check.
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingComplete, TotalSegments: 3})
	recordCompletions(t, docs, "j1", 0, 1, 2)

	trig, q := newTestTrigger(docs)
	rec := NewRecovery(docs, blob.NewMemoryStore(), trig, testLogger())
	total, err := rec.RecoverChunking(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	assert.Equal(t, 1, q.Len(queue.StreamReassemble))
	job, err := docs.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReassembling, job.Status)
}

func TestRecoveryFinalizeFiresPendingTrigger(t *testing.T) {
	// All completions landed while the job sat stuck in
	// chunking_in_progress; the replayed finalize must also run the
	// trigger check or the job would park forever.
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingInProgress})
	for i := 0; i < 3; i++ {
		putObject(t, store, segmentKey(t, "j1", i, 3, "dub"), "seg")
	}
	recordCompletions(t, docs, "j1", 0, 1, 2)

	trig, q := newTestTrigger(docs)
	rec := NewRecovery(docs, store, trig, testLogger())
	_, err := rec.RecoverChunking(ctx, "j1")
	require.NoError(t, err)

	assert.Equal(t, 1, q.Len(queue.StreamReassemble))
	job, err := docs.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReassembling, job.Status)
}

func TestRecoveryRefusesIncompleteSplit(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingInProgress})
	putObject(t, store, segmentKey(t, "j1", 0, 3, "dub"), "seg")
	putObject(t, store, segmentKey(t, "j1", 2, 3, "dub"), "seg")

	trig, _ := newTestTrigger(docs)
	rec := NewRecovery(docs, store, trig, testLogger())
	_, err := rec.RecoverChunking(ctx, "j1")
	require.Error(t, err)

	job, getErr := docs.GetJob(ctx, "j1")
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusChunkingInProgress, job.Status)
}

func TestRecoveryRefusesJobsNotStuck(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusCompleted, TotalSegments: 2})

	trig, _ := newTestTrigger(docs)
	rec := NewRecovery(docs, blob.NewMemoryStore(), trig, testLogger())
	_, err := rec.RecoverChunking(ctx, "j1")
	require.Error(t, err)
}

func TestRecoveryRefusesEmptyPrefix(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingInProgress})

	trig, _ := newTestTrigger(docs)
	rec := NewRecovery(docs, blob.NewMemoryStore(), trig, testLogger())
	_, err := rec.RecoverChunking(ctx, "j1")
	require.Error(t, err)
}

func TestRecoveryRefusesDisagreeingTotals(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusChunkingInProgress})
	putObject(t, store, segmentKey(t, "j1", 0, 2, "dub"), "seg")
	putObject(t, store, segmentKey(t, "j1", 0, 3, "dub"), "seg")

	trig, _ := newTestTrigger(docs)
	rec := NewRecovery(docs, store, trig, testLogger())
	_, err := rec.RecoverChunking(ctx, "j1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disagree")
}

func TestSegmentDirCoversOnlyOneJob(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	putObject(t, store, segmentKey(t, "j1", 0, 1, "dub"), "seg")
	putObject(t, store, segmentKey(t, "j10", 0, 1, "dub"), "seg")

	infos, err := store.List(ctx, segkey.SegmentDir("j1"))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "segments/j1/00000_00001_dub", infos[0].Key)
}
