// Package blob defines the binary object store used for uploads and
// persisted TTS audio.
//
// A Store writes a payload under a caller-chosen key and returns a durable
// URL that clients can fetch later; the gateway serves those URLs from its
// /files/ route, so both implementations (Postgres, local filesystem) stay
// deployment-internal. The interface has no delete or list surface; the
// gateway only writes and serves.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for keys that were never put.
var ErrNotFound = errors.New("blob: not found")

// Store persists binary payloads under string keys.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes data under key with the given content type and returns the
	// durable URL where the payload can be fetched. Re-putting a key
	// overwrites the previous payload.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get returns the payload and content type stored under key, or
	// [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, string, error)
}
