package unitigo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/internal/blockcodec"
	"github.com/hupe1980/unitigo/links"
	"github.com/hupe1980/unitigo/vfs"
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the settings shared by every phase of a run. It is built once
// by New and never changes afterwards.
type Config struct {
	// TempDir holds every intermediate file and the run manifest.
	TempDir string

	Partitions    int
	SubPartitions int

	// Workers is the number of partitions processed concurrently.
	Workers int

	// Overlap is the number of units adjacent fragments share.
	Overlap int

	// MemoryLimitBytes bounds the resident size of all intermediate files.
	// Zero means unlimited.
	MemoryLimitBytes int64
	// ChunkSize is the residency unit of intermediate files.
	ChunkSize int
	// PerCPUBufferSize is the size of one worker's bucket buffer, split
	// across all partitions.
	PerCPUBufferSize int

	// IntermediateStrategy selects how bucket files are written.
	IntermediateStrategy bucket.Strategy
	// Codec, CompressionLevel and CheckpointSize configure the compressed
	// strategy. Codec is one of "none", "lz4" or "zstd".
	Codec            string
	CompressionLevel int
	CheckpointSize   int

	// KeepIntermediate keeps the files of finished phases.
	KeepIntermediate bool

	// SpillBytesPerSec caps the disk write rate of spilled chunks. Zero means
	// unlimited.
	SpillBytesPerSec int64

	// MaxRounds bounds the number of compaction rounds.
	MaxRounds int
}

// DefaultConfig returns the default configuration. TempDir defaults to a
// directory below os.TempDir.
func DefaultConfig() Config {
	return Config{
		TempDir:              filepath.Join(os.TempDir(), "unitigo"),
		Partitions:           64,
		SubPartitions:        16,
		Workers:              runtime.GOMAXPROCS(0),
		Overlap:              31,
		ChunkSize:            vfs.DefaultChunkSize,
		PerCPUBufferSize:     1 << 20,
		IntermediateStrategy: bucket.LockFree,
		Codec:                "lz4",
		CheckpointSize:       256 << 10,
		MaxRounds:            links.DefaultMaxRounds,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.TempDir == "":
		return fmt.Errorf("%w: empty temp dir", ErrInvalidConfig)
	case c.Partitions <= 0 || c.SubPartitions <= 0:
		return fmt.Errorf("%w: %d partitions with %d sub-partitions", ErrInvalidConfig, c.Partitions, c.SubPartitions)
	case c.Workers <= 0:
		return fmt.Errorf("%w: %d workers", ErrInvalidConfig, c.Workers)
	case c.Overlap < 0:
		return fmt.Errorf("%w: negative overlap %d", ErrInvalidConfig, c.Overlap)
	case c.MemoryLimitBytes < 0 || c.SpillBytesPerSec < 0:
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size %d", ErrInvalidConfig, c.ChunkSize)
	case c.MemoryLimitBytes > 0 && c.MemoryLimitBytes < int64(c.ChunkSize):
		return fmt.Errorf("%w: memory limit %d below one chunk of %d", ErrInvalidConfig, c.MemoryLimitBytes, c.ChunkSize)
	case c.PerCPUBufferSize <= 0:
		return fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, c.PerCPUBufferSize)
	case c.MaxRounds <= 0:
		return fmt.Errorf("%w: round limit %d", ErrInvalidConfig, c.MaxRounds)
	}

	switch c.IntermediateStrategy {
	case bucket.LockFree:
	case bucket.Compressed:
		if c.CheckpointSize <= 0 || c.CheckpointSize > blockcodec.MaxBlockSize {
			return fmt.Errorf("%w: checkpoint size %d", ErrInvalidConfig, c.CheckpointSize)
		}
	default:
		return fmt.Errorf("%w: strategy %s", ErrInvalidConfig, c.IntermediateStrategy)
	}
	if _, err := blockcodec.Parse(c.Codec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// bucketOptions returns the bucket set options every phase starts from.
func (c Config) bucketOptions() []bucket.Option {
	opts := []bucket.Option{
		bucket.WithBufferSize(c.PerCPUBufferSize),
		bucket.WithPoolSize(c.Workers),
	}
	if c.IntermediateStrategy == bucket.Compressed {
		codec, _ := blockcodec.Parse(c.Codec)
		opts = append(opts, bucket.WithCompression(codec, c.CompressionLevel, c.CheckpointSize))
	}
	return opts
}
