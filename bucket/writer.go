package bucket

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/unitigo/internal/blockcodec"
	"github.com/hupe1980/unitigo/vfs"
)

// Writer appends framed records to one partition file.
// Every call to Write carries whole records only.
type Writer interface {
	Path() string
	Write(p []byte, records int) error
	// Finalize flushes pending data and seals the file. It is idempotent.
	Finalize() (Count, error)
}

// LockFreeWriter appends by reserving a byte range with an atomic add on the
// file size and copying into it. Concurrent writes interleave at the granularity
// of whole Write calls.
type LockFreeWriter struct {
	f       *vfs.File
	bytes   atomic.Uint64
	records atomic.Uint64
}

// NewLockFreeWriter creates the partition file at path.
func NewLockFreeWriter(mgr *vfs.Manager, path string, prio vfs.Priority) (*LockFreeWriter, error) {
	f, err := mgr.Create(path, prio)
	if err != nil {
		return nil, err
	}
	if _, err := f.Append(Header{Strategy: LockFree}.encode()); err != nil {
		return nil, err
	}
	return &LockFreeWriter{f: f}, nil
}

func (w *LockFreeWriter) Path() string { return w.f.Path() }

func (w *LockFreeWriter) Write(p []byte, records int) error {
	if len(p) == 0 {
		return nil
	}
	if w.f.Sealed() {
		return ErrFinalized
	}
	off, err := w.f.Reserve(len(p))
	if err != nil {
		return err
	}
	if _, err := w.f.WriteAt(p, off); err != nil {
		return err
	}
	w.bytes.Add(uint64(len(p)))
	w.records.Add(uint64(records))
	return nil
}

func (w *LockFreeWriter) Finalize() (Count, error) {
	w.f.Seal()
	return Count{Bytes: w.bytes.Load(), Records: w.records.Load()}, nil
}

// CompressedWriter accumulates writes until the checkpoint size, compresses
// the block and appends it under a mutex. Block boundaries are checkpoints:
// since writes carry whole records, no record straddles two blocks.
type CompressedWriter struct {
	f          *vfs.File
	comp       *blockcodec.Compressor
	checkpoint int

	mu        sync.Mutex
	buf       []byte
	scratch   []byte
	count     Count
	blocks    int
	finalized bool
}

// NewCompressedWriter creates the partition file at path.
func NewCompressedWriter(mgr *vfs.Manager, path string, prio vfs.Priority, comp *blockcodec.Compressor, checkpoint int) (*CompressedWriter, error) {
	if checkpoint <= 0 {
		return nil, fmt.Errorf("bucket: invalid checkpoint size %d", checkpoint)
	}
	f, err := mgr.Create(path, prio)
	if err != nil {
		return nil, err
	}
	if _, err := f.Append(Header{Strategy: Compressed, Codec: comp.Codec()}.encode()); err != nil {
		return nil, err
	}
	return &CompressedWriter{
		f:          f,
		comp:       comp,
		checkpoint: checkpoint,
		buf:        make([]byte, 0, checkpoint),
	}, nil
}

func (w *CompressedWriter) Path() string { return w.f.Path() }

func (w *CompressedWriter) Write(p []byte, records int) error {
	if len(p) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return ErrFinalized
	}
	if len(w.buf) > 0 && len(w.buf)+len(p) > w.checkpoint {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, p...)
	w.count.Bytes += uint64(len(p))
	w.count.Records += uint64(records)

	if len(w.buf) >= w.checkpoint {
		return w.flushLocked()
	}
	return nil
}

func (w *CompressedWriter) flushLocked() error {
	var err error
	w.scratch, err = w.comp.Append(w.scratch[:0], w.buf)
	if err != nil {
		return fmt.Errorf("bucket: compress block of %s: %w", w.f.Path(), err)
	}
	if _, err := w.f.Append(w.scratch); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	w.blocks++
	return nil
}

// Blocks returns the number of checkpoint blocks written so far.
func (w *CompressedWriter) Blocks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blocks
}

func (w *CompressedWriter) Finalize() (Count, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return w.count, nil
	}
	if len(w.buf) > 0 {
		if err := w.flushLocked(); err != nil {
			return Count{}, err
		}
	}
	w.buf = nil
	w.scratch = nil
	w.f.Seal()
	w.finalized = true
	return w.count, nil
}
