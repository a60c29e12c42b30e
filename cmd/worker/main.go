package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/config"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/inference"
	"github.com/okonek/go-media-pipeline/internal/limiter"
	"github.com/okonek/go-media-pipeline/internal/media"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/segkey"
	"github.com/okonek/go-media-pipeline/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker stopped with error: %v", err)
	}
	logger.Info("worker shut down")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	minioClient, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return fmt.Errorf("minio connection: %w", err)
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	store, err := blob.NewMinioStore(ctx, minioClient, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	q := queue.NewRedisQueue(redisClient, queue.RedisQueueConfig{
		Visibility:  cfg.Visibility,
		MaxAttempts: cfg.MaxAttempts,
	})
	streams := []string{
		queue.StreamSourceUploaded,
		queue.StreamSegmentReady,
		queue.StreamResultReady,
		queue.StreamReassemble,
	}
	if err := q.EnsureGroups(ctx, streams...); err != nil {
		return fmt.Errorf("consumer groups: %w", err)
	}

	docs := docstore.NewRedisStore(redisClient, cfg.InvocationTTL)
	ffmpeg := media.NewFFmpeg(cfg.FFMPEGPath, cfg.TempDir)
	lim := limiter.New(cfg.MaxInFlight, logger)

	var backend inference.Backend
	if cfg.InferenceURL != "" {
		backend = inference.NewHTTPBackend(cfg.InferenceURL)
		logger.Info("using http inference backend", "url", cfg.InferenceURL)
	} else {
		backend = inference.NewLocalBackend(store, cfg.FFMPEGPath, cfg.TempDir)
		logger.Info("using local inference backend")
	}

	trigger := worker.NewTrigger(docs, docs, docs, q, logger)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.HasRole("chunker") {
		h := worker.NewChunker(docs, store, ffmpeg, trigger, cfg.SegmentSeconds, cfg.TempDir, logger)
		g.Go(runLoop(ctx, q, queue.StreamSourceUploaded, h, cfg, logger))
	}
	if cfg.HasRole("segment") {
		h := worker.NewSegmentProcessor(docs, docs, lim, backend, trigger, logger)
		g.Go(runLoop(ctx, q, queue.StreamSegmentReady, h, cfg, logger))
	}
	if cfg.HasRole("completion") {
		h := worker.NewCompletionRecorder(docs, docs, lim, trigger, logger)
		g.Go(runLoop(ctx, q, queue.StreamResultReady, h, cfg, logger))
	}
	if cfg.HasRole("reassembler") {
		h := worker.NewReassembler(docs, docs, docs, store, ffmpeg, cfg.TempDir, logger)
		g.Go(runLoop(ctx, q, queue.StreamReassemble, h, cfg, logger))
	}
	if cfg.HasRole("notifier") {
		n := blob.NewNotifier(minioClient, cfg.Bucket, q, []blob.Route{
			{Prefix: segkey.SourcePrefix, Stream: queue.StreamSourceUploaded},
			{Prefix: segkey.SegmentPrefix, Stream: queue.StreamSegmentReady},
			{Prefix: segkey.ResultPrefix, Stream: queue.StreamResultReady},
		}, logger)
		g.Go(func() error { return n.Run(ctx) })
	}

	logger.Info("worker started", "roles", cfg.Roles, "bucket", cfg.Bucket)
	return g.Wait()
}

func runLoop(ctx context.Context, q queue.Queue, stream string, h worker.Handler, cfg config.Config, logger *slog.Logger) func() error {
	loop := worker.NewLoop(q, stream, h, cfg.PollTimeout, logger.With("stream", stream))
	return func() error { return loop.Run(ctx) }
}
