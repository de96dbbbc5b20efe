package vfs

import (
	"log/slog"

	"github.com/hupe1980/unitigo/internal/fs"
	"github.com/hupe1980/unitigo/internal/resource"
)

// DefaultChunkSize is the default size of a resident chunk.
const DefaultChunkSize = 1 << 20

// Options configures a Manager.
type Options struct {
	// FileSystem backs spilled chunks. Defaults to fs.Default.
	FileSystem fs.FileSystem

	// Controller enforces the memory budget and the spill IO rate.
	// A nil controller means unlimited memory.
	Controller *resource.Controller

	// ChunkSize is the unit of residency and eviction.
	ChunkSize int

	// Mmap serves disk-only files through read-only mappings.
	Mmap bool

	Logger *slog.Logger
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		FileSystem: fs.Default,
		ChunkSize:  DefaultChunkSize,
		Mmap:       true,
	}
}

// Option configures a Manager.
type Option func(*Options)

// WithFileSystem sets the backing file system.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *Options) { o.FileSystem = fsys }
}

// WithController sets the resource controller.
func WithController(rc *resource.Controller) Option {
	return func(o *Options) { o.Controller = rc }
}

// WithChunkSize sets the chunk size in bytes.
func WithChunkSize(n int) Option {
	return func(o *Options) { o.ChunkSize = n }
}

// WithMmap toggles memory mapping of disk-only files.
func WithMmap(enabled bool) Option {
	return func(o *Options) { o.Mmap = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
