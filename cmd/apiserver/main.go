package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/config"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/queue"
	"github.com/okonek/go-media-pipeline/internal/server"
	"github.com/okonek/go-media-pipeline/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("api server stopped with error: %v", err)
	}
	logger.Info("api server shut down")
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

	store, err := blob.NewMinioStore(ctx, minioClient, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	// Recovery can end up re-firing the reassembly trigger, so the API
	// process needs a producer handle on the queue too.
	q := queue.NewRedisQueue(redisClient, queue.RedisQueueConfig{
		Visibility:  cfg.Visibility,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err := q.EnsureGroups(ctx, queue.StreamReassemble); err != nil {
		return fmt.Errorf("consumer groups: %w", err)
	}

	docs := docstore.NewRedisStore(redisClient, cfg.InvocationTTL)
	trigger := worker.NewTrigger(docs, docs, docs, q, logger)
	recovery := worker.NewRecovery(docs, store, trigger, logger)
	api := server.New(docs, docs, store, recovery, cfg.DefaultMode, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
