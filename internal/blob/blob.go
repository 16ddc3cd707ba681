// Package blob stores uploaded documents content-addressed by their
// SHA-256, on local disk or in an S3-compatible bucket. Identical
// uploads collapse into one object; the key is stable across backends.
package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/doctrine-review/inkwell/internal/config"
)

// Info describes a stored object.
type Info struct {
	SHA256 string
	Size   int64
	Key    string
}

// Store is the backend-neutral object store.
type Store interface {
	// Put streams r into the store and returns its content address.
	// Re-putting identical content returns the existing object.
	Put(ctx context.Context, r io.Reader) (*Info, error)
	// Open returns a reader for a stored object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a stored object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

// New builds the configured backend.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(cfg.Dir)
	case "s3":
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", cfg.Backend)
	}
}

// objectKey fans content addresses out over 256 directories so no
// single directory grows unbounded.
func objectKey(sum string) string {
	return sum[:2] + "/" + sum
}
