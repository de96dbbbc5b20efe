package blobstore

import (
	"context"
	"io"
	"sync"
)

// UploadFunc consumes r until EOF and stores it under its own name. It must
// give up when ctx is cancelled.
type UploadFunc func(ctx context.Context, r io.Reader) error

// NewPipeWriter returns a WritableBlob whose writes are fed through a pipe
// to upload, running on its own goroutine. Close ends the stream and waits
// for upload; Abort cancels it.
func NewPipeWriter(ctx context.Context, upload UploadFunc) WritableBlob {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w := &pipeWriter{pw: pw, cancel: cancel, done: make(chan error, 1)}
	go func() {
		err := upload(ctx, pr)
		// Unblocks Write when upload stops reading early.
		_ = pr.CloseWithError(err)
		w.done <- err
	}()
	return w
}

type pipeWriter struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error

	mu     sync.Mutex
	closed bool
}

func (w *pipeWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *pipeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	w.closed = true
	defer w.cancel()

	_ = w.pw.Close()
	return <-w.done
}

func (w *pipeWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	_ = w.pw.CloseWithError(ErrAborted)
	w.cancel()
	<-w.done
	return nil
}
