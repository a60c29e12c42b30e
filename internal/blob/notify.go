package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/queue"
)

// Route maps an object-key prefix to the queue stream its creation events
// feed. Object-creation notifications are the sole trigger mechanism
// between pipeline stages; no worker ever calls another directly.
type Route struct {
	Prefix string
	Stream string
}

// Notifier bridges MinIO bucket notifications onto the queue. One notifier
// instance runs per deployment, alongside the workers.
type Notifier struct {
	client *minio.Client
	bucket string
	queue  queue.Queue
	routes []Route
	logger *slog.Logger
}

// NewNotifier creates a notification bridge for the given routes.
func NewNotifier(client *minio.Client, bucket string, q queue.Queue, routes []Route, logger *slog.Logger) *Notifier {
	return &Notifier{client: client, bucket: bucket, queue: q, routes: routes, logger: logger}
}

// Run listens for object-created events until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	events := n.client.ListenBucketNotification(ctx, n.bucket, "", "", []string{
		"s3:ObjectCreated:*",
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case info, ok := <-events:
			if !ok {
				return fmt.Errorf("notification channel closed for bucket %s", n.bucket)
			}
			if info.Err != nil {
				n.logger.Error("bucket notification error", "bucket", n.bucket, "error", info.Err)
				continue
			}
			for _, record := range info.Records {
				n.dispatch(ctx, record.S3.Bucket.Name, record.S3.Object.Key)
			}
		}
	}
}

// dispatch publishes one object-created event to its route, if any.
func (n *Notifier) dispatch(ctx context.Context, bucket, rawKey string) {
	key, err := url.QueryUnescape(rawKey)
	if err != nil {
		n.logger.Error("undecodable object key in notification", "key", rawKey, "error", err)
		return
	}

	stream := n.routeFor(key)
	if stream == "" {
		return
	}

	body, err := json.Marshal(model.ObjectCreated{Bucket: bucket, Key: key})
	if err != nil {
		n.logger.Error("marshal notification", "key", key, "error", err)
		return
	}

	if err := n.queue.Send(ctx, stream, body); err != nil {
		// The queue send failed, but the object is durable: a stuck job is
		// recoverable via the operator sweep, so log and move on.
		n.logger.Error("forward notification", "key", key, "stream", stream, "error", err)
		return
	}
	n.logger.Debug("forwarded object event", "key", key, "stream", stream)
}

func (n *Notifier) routeFor(key string) string {
	for _, r := range n.routes {
		if strings.HasPrefix(key, r.Prefix) {
			return r.Stream
		}
	}
	return ""
}
