package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/inference"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/segkey"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTrigger builds a trigger over the given store with its own queue,
// so tests can assert on what got enqueued.
func newTestTrigger(docs *docstore.MemoryStore) (*Trigger, *queue.MemoryQueue) {
	q := queue.NewMemoryQueue(time.Minute, 5)
	return NewTrigger(docs, docs, docs, q, testLogger()), q
}

func objectEvent(t *testing.T, key string) []byte {
	t.Helper()
	body, err := json.Marshal(model.ObjectCreated{Bucket: "media-pipeline", Key: key})
	require.NoError(t, err)
	return body
}

func seedJob(t *testing.T, docs *docstore.MemoryStore, job model.Job) {
	t.Helper()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, docs.CreateJob(context.Background(), &job))
}

func putObject(t *testing.T, store blob.Store, key, content string) {
	t.Helper()
	err := store.Put(context.Background(), key, strings.NewReader(content), int64(len(content)), "application/octet-stream")
	require.NoError(t, err)
}

func readObject(t *testing.T, store blob.Store, key string) string {
	t.Helper()
	data, err := blob.GetBytes(context.Background(), store, key)
	require.NoError(t, err)
	return string(data)
}

func segmentKey(t *testing.T, jobID string, index, total int, mode string) string {
	t.Helper()
	key, err := segkey.Encode(segkey.Key{JobID: jobID, Index: index, TotalSegments: total, Mode: mode})
	require.NoError(t, err)
	return key
}

func resultKey(t *testing.T, jobID string, index, total int, mode string) string {
	t.Helper()
	key, err := segkey.EncodeResult(segkey.Key{JobID: jobID, Index: index, TotalSegments: total, Mode: mode})
	require.NoError(t, err)
	return key
}

// fakeSplitter writes n deterministic part files into the work dir, the
// way the ffmpeg segment muxer would.
type fakeSplitter struct {
	n     int
	calls int
	mu    sync.Mutex
}

func (s *fakeSplitter) Split(ctx context.Context, inputPath, workDir string, segmentSeconds int) ([]string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, s.n)
	for i := 0; i < s.n; i++ {
		path := filepath.Join(workDir, fmt.Sprintf("seg_%05d", i))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("part-%d|", i)), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// fakeConcat joins staged inputs by simple byte concatenation and counts
// invocations so tests can assert reassembly ran at most once.
type fakeConcat struct {
	calls int
	mu    sync.Mutex
}

func (c *fakeConcat) Concat(ctx context.Context, inputs []string, outputPath string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	var joined []byte
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		joined = append(joined, data...)
	}
	return os.WriteFile(outputPath, joined, 0o644)
}

func (c *fakeConcat) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeBackend either completes synchronously, writing the output object
// itself, or accepts the invocation and leaves the result to the test.
type fakeBackend struct {
	store blob.Store
	async bool
	err   error

	mu      sync.Mutex
	invoked []string
}

func (b *fakeBackend) Invoke(ctx context.Context, inputLocation, outputLocation, mode string) (inference.Invocation, error) {
	b.mu.Lock()
	b.invoked = append(b.invoked, inputLocation)
	b.mu.Unlock()
	if b.err != nil {
		return inference.Invocation{}, b.err
	}
	if b.async {
		return inference.Invocation{Async: true}, nil
	}
	data, err := blob.GetBytes(ctx, b.store, inputLocation)
	if err != nil {
		return inference.Invocation{}, err
	}
	out := "out:" + string(data)
	err = b.store.Put(ctx, outputLocation, strings.NewReader(out), int64(len(out)), "application/octet-stream")
	if err != nil {
		return inference.Invocation{}, err
	}
	return inference.Invocation{Async: false}, nil
}
