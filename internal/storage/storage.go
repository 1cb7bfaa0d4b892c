// Package storage provides the object store gateway used by the pipeline.
// It defines the Gateway interface (port) and implementations for Amazon S3,
// MinIO and a local directory. Implementations hold no business logic and are
// safe for concurrent use by many runs.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/maauso/content-vault/internal/apperr"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Gateway is a durable key/value blob store.
//
// Errors are *apperr.Error values of kind KindNotFound, KindStorage or
// KindCancelled. Provider text is kept in the wrapped cause and never in the
// client-facing message.
type Gateway interface {
	// Put writes a new object, overwriting any existing one at key.
	// size may be -1 when unknown. The body is streamed in bounded chunks.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Open returns a reader over the object. The caller must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns metadata for key or a KindNotFound error.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Copy duplicates srcKey to dstKey. It fails with KindNotFound when srcKey
	// is missing and never leaves a partial object at dstKey.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GenerateLink returns a URL granting read access to key for ttl.
	// The object must exist at call time. Links are not revoked when the
	// object is later deleted.
	GenerateLink(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("invalid object key")

// classify turns a provider error into the gateway error taxonomy.
func classify(op, key string, err error, notFound bool) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindCancelled, op, err, "storage operation cancelled")
	case notFound:
		return apperr.Wrap(apperr.KindNotFound, op, err, "object not found: "+key)
	default:
		return apperr.Wrap(apperr.KindStorage, op, err, "storage operation failed")
	}
}
