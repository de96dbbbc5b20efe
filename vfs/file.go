package vfs

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	ifs "github.com/hupe1980/unitigo/internal/fs"
	"github.com/hupe1980/unitigo/internal/mmap"
	"github.com/hupe1980/unitigo/internal/resource"
)

// File is a logical append-only file managed by a Manager.
//
// Space is claimed with Reserve (an atomic fetch-and-add on the logical size)
// and filled with WriteAt, so concurrent writers never contend on a lock while
// copying. Append combines both for single-writer use.
type File struct {
	m    *Manager
	path string
	prio Priority

	mu     sync.Mutex // guards chunks
	chunks []*chunk

	size    atomic.Int64
	sealed  atomic.Bool
	removed atomic.Bool

	diskOnly bool
	diskMu   sync.Mutex
	disk     ifs.File
	mapping  *mmap.Mapping
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Priority returns the eviction priority of the file.
func (f *File) Priority() Priority { return f.prio }

// Size returns the logical size including reserved regions.
func (f *File) Size() int64 { return f.size.Load() }

// Sealed reports whether the file was sealed.
func (f *File) Sealed() bool { return f.sealed.Load() }

// Reserve claims n bytes at the end of the file and returns their offset.
func (f *File) Reserve(n int) (int64, error) {
	if f.removed.Load() {
		return 0, ErrRemoved
	}
	if f.sealed.Load() {
		return 0, fmt.Errorf("%w: %s", ErrSealed, f.path)
	}
	return f.size.Add(int64(n)) - int64(n), nil
}

// Append writes p at the end of the file.
func (f *File) Append(p []byte) (int64, error) {
	off, err := f.Reserve(len(p))
	if err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(p, off); err != nil {
		return 0, err
	}
	return off, nil
}

// WriteAt fills a previously reserved region.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.removed.Load() {
		return 0, ErrRemoved
	}
	if f.diskOnly {
		return 0, fmt.Errorf("%w: %s", ErrSealed, f.path)
	}
	if off < 0 || off+int64(len(p)) > f.size.Load() {
		return 0, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+int64(len(p)), f.size.Load())
	}

	cs := int64(f.m.chunkSize)
	written := 0
	for written < len(p) {
		pos := off + int64(written)
		c, err := f.chunk(int(pos / cs))
		if err != nil {
			return written, err
		}
		within := int(pos % cs)
		n := min(len(p)-written, int(cs)-within)
		if err := c.write(p[written:written+n], within); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.removed.Load() {
		return 0, ErrRemoved
	}
	size := f.size.Load()
	if off < 0 {
		return 0, fmt.Errorf("vfs: negative offset %d", off)
	}
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)

	var n int
	var err error
	if f.diskOnly {
		n, err = f.readDisk(p[:want], off)
	} else {
		n, err = f.readChunks(p[:want], off)
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) readChunks(p []byte, off int64) (int, error) {
	cs := int64(f.m.chunkSize)
	read := 0
	for read < len(p) {
		pos := off + int64(read)
		idx := int(pos / cs)

		f.mu.Lock()
		var c *chunk
		if idx < len(f.chunks) {
			c = f.chunks[idx]
		}
		f.mu.Unlock()
		if c == nil {
			return read, fmt.Errorf("%w: unwritten region at %d", ErrOutOfRange, pos)
		}

		within := int(pos % cs)
		n := min(len(p)-read, int(cs)-within)
		if err := c.read(p[read:read+n], within); err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

// Seal marks the file complete. Further reservations fail and every resident
// chunk becomes evictable. Seal is idempotent.
func (f *File) Seal() {
	if f.sealed.Swap(true) {
		return
	}
	for _, c := range f.snapshot() {
		f.m.enqueue(c)
	}
}

func (f *File) snapshot() []*chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*chunk, 0, len(f.chunks))
	for _, c := range f.chunks {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// chunk returns chunk idx, allocating it on first use. Memory is reserved
// before f.mu is taken since reserving may evict chunks of this file.
func (f *File) chunk(idx int) (*chunk, error) {
	f.mu.Lock()
	if idx < len(f.chunks) && f.chunks[idx] != nil {
		c := f.chunks[idx]
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	resident, err := f.m.reserveChunk()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < len(f.chunks) && f.chunks[idx] != nil {
		if resident {
			f.m.releaseChunk()
		}
		return f.chunks[idx], nil
	}
	if idx >= len(f.chunks) {
		f.chunks = append(f.chunks, make([]*chunk, idx+1-len(f.chunks))...)
	}
	c := &chunk{file: f, index: idx}
	if resident {
		c.data = make([]byte, f.m.chunkSize)
	} else {
		c.through = true
	}
	f.chunks[idx] = c
	return c, nil
}

// flush writes dirty chunks to disk. Partially filled chunks are only
// written when all is set.
func (f *File) flush(all bool) error {
	if f.diskOnly || f.removed.Load() {
		return nil
	}
	if _, err := f.openDisk(); err != nil {
		return err
	}
	for _, c := range f.snapshot() {
		if !all && c.filled.Load() < int64(f.m.chunkSize) {
			continue
		}
		if err := c.flush(); err != nil {
			return err
		}
	}

	f.diskMu.Lock()
	defer f.diskMu.Unlock()
	if err := f.disk.Sync(); err != nil {
		return fmt.Errorf("vfs: sync %s: %w", f.path, err)
	}
	return nil
}

// release drops resident memory and closes disk handles.
func (f *File) release() error {
	f.removed.Store(true)
	for _, c := range f.snapshot() {
		c.drop()
	}

	f.diskMu.Lock()
	defer f.diskMu.Unlock()
	var errs []error
	if f.disk != nil {
		errs = append(errs, f.disk.Close())
		f.disk = nil
	}
	if f.mapping != nil {
		errs = append(errs, f.mapping.Close())
		f.mapping = nil
	}
	return errors.Join(errs...)
}

func (f *File) openDisk() (ifs.File, error) {
	f.diskMu.Lock()
	defer f.diskMu.Unlock()
	if f.disk != nil {
		return f.disk, nil
	}
	d, err := f.m.fs.OpenFile(f.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vfs: open backing file %s: %w", f.path, err)
	}
	f.disk = d
	return d, nil
}

func (f *File) writeDisk(p []byte, off int64) error {
	d, err := f.openDisk()
	if err != nil {
		return err
	}
	w := resource.NewRateLimitedWriterAt(f.m.ctx, d, f.m.rc)
	if _, err := w.WriteAt(p, off); err != nil {
		return fmt.Errorf("vfs: write %s at %d: %w", f.path, off, err)
	}
	f.m.spilled.Add(int64(len(p)))
	return nil
}

func (f *File) readDisk(p []byte, off int64) (int, error) {
	f.diskMu.Lock()
	var r io.ReaderAt
	switch {
	case f.mapping != nil:
		r = f.mapping
	case f.disk != nil:
		r = f.disk
	}
	f.diskMu.Unlock()
	if r == nil {
		return 0, fmt.Errorf("%w: %s has no disk copy", ErrNotFound, f.path)
	}
	n, err := r.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// chunk is one fixed-size piece of a File.
type chunk struct {
	file  *File
	index int

	mu      sync.RWMutex // guards data against eviction
	data    []byte       // nil when not resident
	dirty   atomic.Bool
	through bool // never resident; writes go straight to disk

	filled atomic.Int64
	elem   *list.Element // eviction queue entry, guarded by Manager.mu
}

func (c *chunk) base() int64 { return int64(c.index) * int64(c.file.m.chunkSize) }

func (c *chunk) resident() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data != nil
}

func (c *chunk) clean() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data != nil && !c.dirty.Load()
}

// write copies p at offset off within the chunk. Concurrent writers target
// disjoint reserved regions, so the copy itself needs no lock; the chunk is
// not evictable before it is completely filled.
func (c *chunk) write(p []byte, off int) error {
	if c.through {
		if err := c.file.writeDisk(p, c.base()+int64(off)); err != nil {
			return err
		}
		c.filled.Add(int64(len(p)))
		return nil
	}

	c.mu.RLock()
	if c.data == nil {
		c.mu.RUnlock()
		return ErrRemoved
	}
	copy(c.data[off:], p)
	c.dirty.Store(true)
	c.mu.RUnlock()

	if c.filled.Add(int64(len(p))) == int64(c.file.m.chunkSize) {
		c.file.m.enqueue(c)
	}
	return nil
}

func (c *chunk) read(p []byte, off int) error {
	c.mu.RLock()
	if c.data != nil {
		copy(p, c.data[off:])
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	n, err := c.file.readDisk(p, c.base()+int64(off))
	if err != nil {
		return err
	}
	if n < len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (c *chunk) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil || !c.dirty.Load() {
		return nil
	}
	n := c.filled.Load()
	if err := c.file.writeDisk(c.data[:n], c.base()); err != nil {
		return err
	}
	c.dirty.Store(false)
	return nil
}

// evict writes the chunk through if needed and releases its memory.
func (c *chunk) evict() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return nil
	}
	if c.dirty.Load() {
		n := c.filled.Load()
		if err := c.file.writeDisk(c.data[:n], c.base()); err != nil {
			return err
		}
		c.dirty.Store(false)
	}
	c.data = nil
	c.file.m.releaseChunk()
	return nil
}

// drop releases resident memory without writing.
func (c *chunk) drop() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return 0
	}
	c.data = nil
	c.file.m.releaseChunk()
	return int64(c.file.m.chunkSize)
}
