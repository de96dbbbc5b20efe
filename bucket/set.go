package bucket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/unitigo/internal/blockcodec"
	"github.com/hupe1980/unitigo/vfs"
)

const minSubBuffer = 256

// Options configures a Set.
type Options struct {
	Strategy Strategy
	Priority vfs.Priority
	// Extension is appended to partition file names.
	Extension string

	// BufferSize is the per-worker buffer size, split evenly across partitions.
	BufferSize int
	// PoolSize is the number of thread buffers. Defaults to GOMAXPROCS.
	PoolSize int

	// Codec, Level and CheckpointSize configure the Compressed strategy.
	Codec          blockcodec.Codec
	Level          int
	CheckpointSize int

	Logger *slog.Logger
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Strategy:       LockFree,
		Priority:       vfs.PriorityIntermediate,
		BufferSize:     1 << 20,
		PoolSize:       runtime.GOMAXPROCS(0),
		Codec:          blockcodec.LZ4,
		CheckpointSize: 256 << 10,
	}
}

// Option configures a Set.
type Option func(*Options)

// WithStrategy sets the writer strategy.
func WithStrategy(s Strategy) Option { return func(o *Options) { o.Strategy = s } }

// WithPriority sets the eviction priority of the partition files.
func WithPriority(p vfs.Priority) Option { return func(o *Options) { o.Priority = p } }

// WithExtension sets the file name extension.
func WithExtension(ext string) Option { return func(o *Options) { o.Extension = ext } }

// WithBufferSize sets the per-worker buffer size.
func WithBufferSize(n int) Option { return func(o *Options) { o.BufferSize = n } }

// WithPoolSize sets the number of thread buffers.
func WithPoolSize(n int) Option { return func(o *Options) { o.PoolSize = n } }

// WithCompression selects the Compressed strategy with the given codec,
// level and checkpoint size.
func WithCompression(codec blockcodec.Codec, level, checkpointSize int) Option {
	return func(o *Options) {
		o.Strategy = Compressed
		o.Codec = codec
		o.Level = level
		o.CheckpointSize = checkpointSize
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// Set owns the writers of N partitions and the thread buffers feeding them.
type Set struct {
	mgr     *vfs.Manager
	prefix  string
	opts    Options
	writers []Writer
	pool    *BufferPool

	mu        sync.Mutex
	finalized bool
	aborted   bool
	files     Files
}

// NewSet creates the partition files <prefix>.<i>[.ext] for i in [0, partitions).
// Files left at the same paths by an earlier run, in memory or on disk, are
// replaced.
func NewSet(mgr *vfs.Manager, prefix string, partitions int, optFns ...Option) (*Set, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("bucket: invalid partition count %d", partitions)
	}
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}

	s := &Set{mgr: mgr, prefix: prefix, opts: opts, writers: make([]Writer, 0, partitions)}

	var comp *blockcodec.Compressor
	if opts.Strategy == Compressed {
		var err error
		if comp, err = blockcodec.NewCompressor(opts.Codec, opts.Level); err != nil {
			return nil, err
		}
	}

	for _, path := range Names(prefix, partitions, opts.Extension) {
		if err := mgr.Remove(path, false); err != nil {
			return nil, errors.Join(fmt.Errorf("bucket: replace %s: %w", path, err), s.removeFiles())
		}
		var w Writer
		var err error
		switch opts.Strategy {
		case LockFree:
			w, err = NewLockFreeWriter(mgr, path, opts.Priority)
		case Compressed:
			w, err = NewCompressedWriter(mgr, path, opts.Priority, comp, opts.CheckpointSize)
		default:
			err = fmt.Errorf("bucket: unknown strategy %d", opts.Strategy)
		}
		if err != nil {
			return nil, errors.Join(fmt.Errorf("bucket: create %s: %w", path, err), s.removeFiles())
		}
		s.writers = append(s.writers, w)
	}

	s.pool = newBufferPool(s, opts.PoolSize, max(opts.BufferSize/partitions, minSubBuffer))
	return s, nil
}

// Prefix returns the file name prefix.
func (s *Set) Prefix() string { return s.prefix }

// Partitions returns the number of partitions.
func (s *Set) Partitions() int { return len(s.writers) }

// Paths returns the partition file paths.
func (s *Set) Paths() []string {
	paths := make([]string, len(s.writers))
	for i, w := range s.writers {
		paths[i] = w.Path()
	}
	return paths
}

// Borrow checks out a thread buffer. It must be given back with Return.
func (s *Set) Borrow(ctx context.Context) (*ThreadBuffer, error) {
	s.mu.Lock()
	finalized, aborted := s.finalized, s.aborted
	s.mu.Unlock()
	switch {
	case aborted:
		return nil, ErrAborted
	case finalized:
		return nil, ErrFinalized
	}
	return s.pool.Borrow(ctx)
}

// Return gives a thread buffer back to the pool.
func (s *Set) Return(tb *ThreadBuffer) { s.pool.Return(tb) }

// With borrows a thread buffer for the duration of fn and returns it on
// every exit path.
func (s *Set) With(ctx context.Context, fn func(tb *ThreadBuffer) error) error {
	tb, err := s.Borrow(ctx)
	if err != nil {
		return err
	}
	defer s.Return(tb)
	return fn(tb)
}

// Finalize drains every thread buffer, finalizes all partition writers and
// returns the file paths with their counts. Repeated calls return the same
// result.
func (s *Set) Finalize() (Files, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return s.files.Clone(), nil
	}
	if s.aborted {
		return Files{}, ErrAborted
	}
	if s.pool.Available() != s.pool.Size() {
		return Files{}, fmt.Errorf("%w: %d of %d", ErrBuffersOutstanding, s.pool.Size()-s.pool.Available(), s.pool.Size())
	}

	for _, tb := range s.pool.all {
		if err := tb.Flush(); err != nil {
			return Files{}, err
		}
		tb.release()
	}

	files := Files{Paths: s.Paths(), Counts: make([]Count, len(s.writers))}
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, w := range s.writers {
		g.Go(func() error {
			c, err := w.Finalize()
			if err != nil {
				return fmt.Errorf("bucket: finalize %s: %w", w.Path(), err)
			}
			files.Counts[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Files{}, err
	}

	s.files = files
	s.finalized = true
	if s.opts.Logger != nil {
		total := files.Total()
		s.opts.Logger.Debug("bucket: set finalized",
			"prefix", s.prefix,
			"partitions", len(s.writers),
			"records", total.Records,
			"bytes", total.Bytes,
		)
	}
	return files.Clone(), nil
}

// Abort discards a set that will not be finalized: the thread buffers are
// dropped and every partition file is removed from memory and disk. It is a
// no-op once the set is finalized or aborted, so it can be deferred right
// after NewSet.
func (s *Set) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized || s.aborted {
		return nil
	}
	s.aborted = true
	if s.pool.Available() == s.pool.Size() {
		for _, tb := range s.pool.all {
			tb.release()
		}
	}
	if err := s.removeFiles(); err != nil {
		return err
	}
	if s.opts.Logger != nil {
		s.opts.Logger.Debug("bucket: set aborted", "prefix", s.prefix, "partitions", len(s.writers))
	}
	return nil
}

func (s *Set) removeFiles() error {
	var errs []error
	for _, w := range s.writers {
		if err := s.mgr.Remove(w.Path(), false); err != nil {
			errs = append(errs, fmt.Errorf("bucket: remove %s: %w", w.Path(), err))
		}
	}
	return errors.Join(errs...)
}

// Remove deletes the given bucket files from mgr. With keepDiskCopy their
// content is made durable and only the memory is released.
func Remove(mgr *vfs.Manager, paths []string, keepDiskCopy bool) error {
	for _, p := range paths {
		if err := mgr.Remove(p, keepDiskCopy); err != nil {
			return err
		}
	}
	return nil
}
