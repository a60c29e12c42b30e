package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/segkey"
)

func reassembleMsg(t *testing.T, jobID string) *queue.Message {
	t.Helper()
	body, err := json.Marshal(model.ReassembleRequest{JobID: jobID})
	require.NoError(t, err)
	return &queue.Message{ID: "1", Body: body}
}

// seedCompleted places n segment outputs in the store and their completion
// rows in the document store.
func seedCompleted(t *testing.T, docs *docstore.MemoryStore, store blob.Store, jobID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		out := resultKey(t, jobID, i, n, "dub")
		putObject(t, store, out, string(rune('A'+i)))
		err := docs.RecordCompletion(context.Background(), model.SegmentCompletion{
			JobID:          jobID,
			Index:          i,
			OutputLocation: out,
			CompletedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)
	}
}

func TestReassemblerPublishesOrderedArtifact(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusReassembling, TotalSegments: 3})
	seedCompleted(t, docs, store, "j1", 3)

	concat := &fakeConcat{}
	r := NewReassembler(docs, docs, docs, store, concat, t.TempDir(), testLogger())
	require.NoError(t, r.Handle(ctx, reassembleMsg(t, "j1")))

	artifact := segkey.ArtifactKey("j1", "dub")
	assert.Equal(t, "ABC", readObject(t, store, artifact))
	assert.Equal(t, 1, concat.count())

	job, err := docs.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Equal(t, artifact, job.ArtifactKey)
}

func TestReassemblerDuplicateRequestRunsOnce(t *testing.T) {
	// The delayed-duplicate case: a second request arrives after the
	// first finished. The artifact-exists short-circuit must keep the
	// concatenation from running again.
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusReassembling, TotalSegments: 2})
	seedCompleted(t, docs, store, "j1", 2)

	concat := &fakeConcat{}
	r := NewReassembler(docs, docs, docs, store, concat, t.TempDir(), testLogger())
	require.NoError(t, r.Handle(ctx, reassembleMsg(t, "j1")))
	require.NoError(t, r.Handle(ctx, reassembleMsg(t, "j1")))

	assert.Equal(t, 1, concat.count())
	job, err := docs.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
}

func TestReassemblerStartMarkerBlocksSecondRun(t *testing.T) {
	// No artifact yet, but another worker already holds the start marker.
	// This delivery must exit without touching anything.
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusReassembling, TotalSegments: 2})
	seedCompleted(t, docs, store, "j1", 2)

	won, err := docs.AcquireStart(ctx, "j1")
	require.NoError(t, err)
	require.True(t, won)

	concat := &fakeConcat{}
	r := NewReassembler(docs, docs, docs, store, concat, t.TempDir(), testLogger())
	require.NoError(t, r.Handle(ctx, reassembleMsg(t, "j1")))

	assert.Equal(t, 0, concat.count())
	exists, err := store.Exists(ctx, segkey.ArtifactKey("j1", "dub"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReassemblerIncompleteCompletionsRetries(t *testing.T) {
	// Only two of three completion rows are visible yet.
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j2", Mode: "dub", Status: model.StatusReassembling, TotalSegments: 3})
	for i := 0; i < 2; i++ {
		err := docs.RecordCompletion(ctx, model.SegmentCompletion{
			JobID: "j2", Index: i, OutputLocation: resultKey(t, "j2", i, 3, "dub"),
		})
		require.NoError(t, err)
	}

	r := NewReassembler(docs, docs, docs, store, &fakeConcat{}, t.TempDir(), testLogger())
	err := r.Handle(ctx, reassembleMsg(t, "j2"))
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "redelivery should retry once the store catches up")
}

func TestReassemblerCompletionGapIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	seedJob(t, docs, model.Job{ID: "j1", Mode: "dub", Status: model.StatusReassembling, TotalSegments: 2})
	for _, i := range []int{0, 2} {
		err := docs.RecordCompletion(ctx, model.SegmentCompletion{
			JobID: "j1", Index: i, OutputLocation: resultKey(t, "j1", 0, 2, "dub"),
		})
		require.NoError(t, err)
	}

	r := NewReassembler(docs, docs, docs, store, &fakeConcat{}, t.TempDir(), testLogger())
	err := r.Handle(ctx, reassembleMsg(t, "j1"))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestReassemblerRejectsEmptyRequest(t *testing.T) {
	docs := docstore.NewMemoryStore()
	r := NewReassembler(docs, docs, docs, blob.NewMemoryStore(), &fakeConcat{}, t.TempDir(), testLogger())
	err := r.Handle(context.Background(), &queue.Message{ID: "1", Body: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
