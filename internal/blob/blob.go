// Package blob wraps key-addressed object storage. All artifacts (sources,
// segments, inference results, final outputs) live under deterministic
// keys, so every write is an idempotent overwrite.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blob: object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the object-store contract the pipeline depends on.
type Store interface {
	// Put writes the object at key, overwriting any existing object.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get opens the object at key for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns all objects under a key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Remove deletes the object at key. Removing a missing key is not an
	// error.
	Remove(ctx context.Context, key string) error
}

// GetBytes reads a whole object into memory. Intended for small control
// objects such as inference result documents, not media payloads.
func GetBytes(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
