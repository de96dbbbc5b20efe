package vfs

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	ifs "github.com/hupe1980/unitigo/internal/fs"
	"github.com/hupe1980/unitigo/internal/mmap"
	"github.com/hupe1980/unitigo/internal/resource"
)

// Priority orders files for eviction. Lower priorities are evicted first.
type Priority uint8

const (
	// PriorityScratch is for short-lived files consumed within one phase.
	PriorityScratch Priority = iota
	// PriorityIntermediate is for files handed from one phase to the next.
	PriorityIntermediate
	// PriorityFinalMaps is for long-lived maps read by the last phases.
	PriorityFinalMaps

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityScratch:
		return "scratch"
	case PriorityIntermediate:
		return "intermediate"
	case PriorityFinalMaps:
		return "final-maps"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Mode selects how OpenFile obtains a file.
type Mode uint8

const (
	// ModeRead opens an existing file, registered or on disk.
	ModeRead Mode = iota
	// ModeCreate registers a new, empty file.
	ModeCreate
)

// Stats is a snapshot of manager counters.
type Stats struct {
	Files              int
	ResidentBytes      int64
	SpilledBytes       int64
	Evictions          int64
	WriteThroughChunks int64
}

// Manager presents growable append-only files whose content lives in
// fixed-size memory chunks and is spilled to disk under a memory budget.
//
// Eviction picks the lowest priority class first and, inside a class, the
// chunk that was completed earliest. A chunk becomes evictable once it is
// completely written or its file is sealed. When nothing can be evicted a new
// chunk is written straight through to disk.
type Manager struct {
	fs        ifs.FileSystem
	rc        *resource.Controller
	chunkSize int
	mmap      bool
	logger    *slog.Logger
	ctx       context.Context

	mu     sync.Mutex
	files  map[string]*File
	queues [numPriorities]*list.List

	resident     atomic.Int64
	spilled      atomic.Int64
	evictions    atomic.Int64
	writeThrough atomic.Int64
}

// New creates a Manager.
func New(optFns ...Option) (*Manager, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("vfs: invalid chunk size %d", opts.ChunkSize)
	}
	if opts.FileSystem == nil {
		opts.FileSystem = ifs.Default
	}

	m := &Manager{
		fs:        opts.FileSystem,
		rc:        opts.Controller,
		chunkSize: opts.ChunkSize,
		mmap:      opts.Mmap,
		logger:    opts.Logger,
		ctx:       context.Background(),
		files:     make(map[string]*File),
	}
	for i := range m.queues {
		m.queues[i] = list.New()
	}
	return m, nil
}

// ChunkSize returns the configured chunk size.
func (m *Manager) ChunkSize() int { return m.chunkSize }

// FileSystem returns the backing file system.
func (m *Manager) FileSystem() ifs.FileSystem { return m.fs }

// OpenFile opens path in the given mode. prio is only used by ModeCreate.
func (m *Manager) OpenFile(path string, mode Mode, prio Priority) (*File, error) {
	switch mode {
	case ModeCreate:
		return m.Create(path, prio)
	case ModeRead:
		return m.Open(path)
	default:
		return nil, fmt.Errorf("vfs: invalid mode %d", mode)
	}
}

// Create registers a new empty file.
func (m *Manager) Create(path string, prio Priority) (*File, error) {
	if prio >= numPriorities {
		prio = PriorityFinalMaps
	}
	path = filepath.Clean(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[path]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	f := &File{m: m, path: path, prio: prio}
	m.files[path] = f
	return f, nil
}

// Open returns the registered file at path, or registers a read-only view
// of a file that only exists on disk.
func (m *Manager) Open(path string) (*File, error) {
	path = filepath.Clean(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.files[path]; ok {
		return f, nil
	}

	info, err := m.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("vfs: stat %s: %w", path, err)
	}

	f := &File{m: m, path: path, prio: PriorityIntermediate, diskOnly: true}
	f.size.Store(info.Size())
	f.sealed.Store(true)

	if m.mmap {
		mp, err := mmap.Open(path)
		if err != nil {
			return nil, fmt.Errorf("vfs: map %s: %w", path, err)
		}
		_ = mp.Advise(mmap.AccessSequential)
		f.mapping = mp
	} else {
		d, err := m.fs.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("vfs: open %s: %w", path, err)
		}
		f.disk = d
	}

	m.files[path] = f
	return f, nil
}

// Exists reports whether path is registered or present on disk.
func (m *Manager) Exists(path string) bool {
	path = filepath.Clean(path)
	m.mu.Lock()
	_, ok := m.files[path]
	m.mu.Unlock()
	return ok || ifs.Exists(m.fs, path)
}

// Remove unregisters path and releases its memory. With keepDiskCopy the
// file content is flushed to disk first, otherwise any disk copy is deleted.
func (m *Manager) Remove(path string, keepDiskCopy bool) error {
	path = filepath.Clean(path)

	m.mu.Lock()
	f, ok := m.files[path]
	if ok {
		delete(m.files, path)
		for _, c := range f.snapshot() {
			m.dequeueLocked(c)
		}
	}
	m.mu.Unlock()

	if !ok {
		if keepDiskCopy {
			return nil
		}
		if err := m.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("vfs: remove %s: %w", path, err)
		}
		return nil
	}

	var errs []error
	if keepDiskCopy {
		f.Seal()
		errs = append(errs, f.flush(true))
	}
	errs = append(errs, f.release())

	if !keepDiskCopy {
		if err := m.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("vfs: remove %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// FlushAllToDisk writes every completed chunk of every file to disk.
// Chunks stay resident; FreeMemory drops them afterwards.
func (m *Manager) FlushAllToDisk() error {
	files := m.list()

	g := new(errgroup.Group)
	g.SetLimit(16)
	for _, f := range files {
		g.Go(func() error {
			return f.flush(f.sealed.Load())
		})
	}
	return g.Wait()
}

// FreeMemory drops resident chunks that are durably on disk.
func (m *Manager) FreeMemory() {
	m.mu.Lock()
	var victims []*chunk
	for _, q := range m.queues {
		for e := q.Front(); e != nil; {
			next := e.Next()
			c := e.Value.(*chunk)
			if c.clean() {
				q.Remove(e)
				c.elem = nil
				victims = append(victims, c)
			}
			e = next
		}
	}
	m.mu.Unlock()

	var freed int64
	for _, c := range victims {
		freed += c.drop()
	}
	if m.logger != nil && freed > 0 {
		m.logger.Debug("vfs: freed clean chunks", "chunks", len(victims), "bytes", freed)
	}
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := len(m.files)
	m.mu.Unlock()
	return Stats{
		Files:              n,
		ResidentBytes:      m.resident.Load(),
		SpilledBytes:       m.spilled.Load(),
		Evictions:          m.evictions.Load(),
		WriteThroughChunks: m.writeThrough.Load(),
	}
}

// Close releases all memory and file handles without flushing.
func (m *Manager) Close() error {
	m.mu.Lock()
	files := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	m.files = make(map[string]*File)
	for _, q := range m.queues {
		q.Init()
	}
	m.mu.Unlock()

	var errs []error
	for _, f := range files {
		errs = append(errs, f.release())
	}
	return errors.Join(errs...)
}

func (m *Manager) list() []*File {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	return files
}

// reserveChunk acquires memory for one chunk, evicting as needed.
// It returns false when the chunk has to be written through to disk.
func (m *Manager) reserveChunk() (bool, error) {
	size := int64(m.chunkSize)
	for {
		if err := m.rc.AcquireMemory(size); err == nil {
			m.resident.Add(size)
			return true, nil
		}
		ok, err := m.evictOne()
		if err != nil {
			return false, err
		}
		if !ok {
			m.writeThrough.Add(1)
			return false, nil
		}
	}
}

func (m *Manager) releaseChunk() {
	m.rc.ReleaseMemory(int64(m.chunkSize))
	m.resident.Add(-int64(m.chunkSize))
}

func (m *Manager) evictOne() (bool, error) {
	m.mu.Lock()
	var victim *chunk
	for _, q := range m.queues {
		if e := q.Front(); e != nil {
			victim = q.Remove(e).(*chunk)
			victim.elem = nil
			break
		}
	}
	m.mu.Unlock()

	if victim == nil {
		return false, nil
	}
	if err := victim.evict(); err != nil {
		return false, err
	}
	m.evictions.Add(1)
	if m.logger != nil {
		m.logger.Debug("vfs: evicted chunk",
			"path", victim.file.path,
			"chunk", victim.index,
			"priority", victim.file.prio.String(),
		)
	}
	return true, nil
}

func (m *Manager) enqueue(c *chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.elem != nil || c.file.removed.Load() || !c.resident() {
		return
	}
	c.elem = m.queues[c.file.prio].PushBack(c)
}

func (m *Manager) dequeueLocked(c *chunk) {
	if c.elem != nil {
		m.queues[c.file.prio].Remove(c.elem)
		c.elem = nil
	}
}
