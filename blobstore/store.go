package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// ErrAborted is seen by an upload whose WritableBlob was aborted.
var ErrAborted = errors.New("blobstore: upload aborted")

// Store is a flat namespace of immutable blobs written once and read back
// sequentially.
type Store interface {
	// Create starts a streaming write. The blob becomes visible when the
	// returned WritableBlob is closed successfully.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Open streams a finished blob from its first byte.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	// Abort discards the blob. It is a no-op after Close.
	Abort() error
}
