package unitigo

import (
	"log/slog"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/codec"
	ifs "github.com/hupe1980/unitigo/internal/fs"
	"github.com/hupe1980/unitigo/partition"
)

type options struct {
	cfg              Config
	strategy         partition.Strategy
	codec            codec.Codec
	metricsCollector MetricsCollector
	logger           *Logger
	fs               ifs.FileSystem
}

// Option configures an Engine.
type Option func(*options)

// WithConfig replaces the whole configuration. Options applied after it
// still override single fields.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithTempDir sets the directory for intermediate files and the manifest.
func WithTempDir(dir string) Option {
	return func(o *options) {
		o.cfg.TempDir = dir
	}
}

// WithPartitions sets the number of partitions and sub-partitions used by
// the default partitioning strategy.
func WithPartitions(partitions, subPartitions int) Option {
	return func(o *options) {
		o.cfg.Partitions = partitions
		o.cfg.SubPartitions = subPartitions
	}
}

// WithStrategy sets a custom partitioning strategy. Its partition counts
// override the configured ones.
func WithStrategy(s partition.Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithWorkers sets the number of partitions processed concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.cfg.Workers = n
	}
}

// WithOverlap sets the number of units adjacent fragments share.
func WithOverlap(k int) Option {
	return func(o *options) {
		o.cfg.Overlap = k
	}
}

// WithMemoryLimit bounds the resident size of intermediate files.
// Zero means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.cfg.MemoryLimitBytes = bytes
	}
}

// WithChunkSize sets the residency unit of intermediate files.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.cfg.ChunkSize = n
	}
}

// WithBufferSize sets the per-worker bucket buffer size.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.cfg.PerCPUBufferSize = n
	}
}

// WithCompression writes intermediate files with the compressed strategy.
// codecName is "none", "lz4" or "zstd"; checkpointSize is the uncompressed
// size of one block.
//
// Example:
//
//	e, _ := unitigo.New(unitigo.WithCompression("zstd", 3, 1<<20))
func WithCompression(codecName string, level, checkpointSize int) Option {
	return func(o *options) {
		o.cfg.IntermediateStrategy = bucket.Compressed
		o.cfg.Codec = codecName
		o.cfg.CompressionLevel = level
		o.cfg.CheckpointSize = checkpointSize
	}
}

// WithKeepIntermediate keeps the files of finished phases on disk.
func WithKeepIntermediate(keep bool) Option {
	return func(o *options) {
		o.cfg.KeepIntermediate = keep
	}
}

// WithSpillRate caps the disk write rate of spilled chunks.
func WithSpillRate(bytesPerSec int64) Option {
	return func(o *options) {
		o.cfg.SpillBytesPerSec = bytesPerSec
	}
}

// WithMaxRounds bounds the number of compaction rounds.
func WithMaxRounds(n int) Option {
	return func(o *options) {
		o.cfg.MaxRounds = n
	}
}

// WithCodec configures the codec the manifest is written with.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures a metrics collector.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &unitigo.BasicMetricsCollector{}
//	e, _ := unitigo.New(unitigo.WithMetricsCollector(metrics))
//	// ... run ...
//	stats := metrics.GetStats()
//	fmt.Printf("Chains: %d, Dropped: %d\n", stats.Chains, stats.DroppedChains)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := unitigo.NewJSONLogger(slog.LevelInfo)
//	e, _ := unitigo.New(unitigo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// withFileSystem replaces the backing file system.
func withFileSystem(fsys ifs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		cfg:              DefaultConfig(),
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		fs:               ifs.Default,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.strategy != nil {
		o.cfg.Partitions = o.strategy.Partitions()
		o.cfg.SubPartitions = o.strategy.SubPartitions()
	}
	return o
}

// RunOption configures a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	from      Step
	stopAfter Step
}

// FromStep starts the run at step s. Every earlier phase must have finished
// in a previous run over the same temp dir.
func FromStep(s Step) RunOption {
	return func(o *runOptions) {
		o.from = s
	}
}

// StopAfter ends the run after step s. The manifest allows a later run to
// continue with FromStep.
func StopAfter(s Step) RunOption {
	return func(o *runOptions) {
		o.stopAfter = s
	}
}
