package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage without overwriting. PutIfAbsent
// returns ErrAlreadyExists when path is taken; the check is atomic.
type BlobWriter interface {
	PutIfAbsent(ctx context.Context, path string, data []byte, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}
