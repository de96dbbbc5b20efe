package links

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/hupe1980/unitigo/bucket"
)

// DefaultMaxRounds bounds the number of compaction rounds.
const DefaultMaxRounds = 4096

// RoundStats describes one finished round.
type RoundStats struct {
	Round int
	// Remaining is the number of segments handed to the next round.
	Remaining uint64
	// Messages is the number of proposals, absorbs and redirects handed to
	// the next round.
	Messages uint64
	Merges   uint64
	Chains   uint64
	Duration time.Duration
}

// Options configures a Compactor.
type Options struct {
	// Dir is the directory round files and the resolved maps are created in.
	Dir string

	Workers   int
	MaxRounds int

	// KeepIntermediate keeps the round files instead of removing them once
	// the next round has consumed them.
	KeepIntermediate bool

	// Order is the partition processing order. Empty means ascending.
	Order []int

	// BucketOptions are applied to every bucket set the compactor creates.
	BucketOptions []bucket.Option

	Logger *slog.Logger

	// OnRound is called after every round.
	OnRound func(RoundStats)
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Workers:   runtime.GOMAXPROCS(0),
		MaxRounds: DefaultMaxRounds,
	}
}

// Option configures a Compactor.
type Option func(*Options)

// WithDir sets the output directory.
func WithDir(dir string) Option { return func(o *Options) { o.Dir = dir } }

// WithWorkers sets the number of partitions processed concurrently.
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithMaxRounds sets the round limit.
func WithMaxRounds(n int) Option { return func(o *Options) { o.MaxRounds = n } }

// WithKeepIntermediate keeps consumed round files.
func WithKeepIntermediate(keep bool) Option {
	return func(o *Options) { o.KeepIntermediate = keep }
}

// WithOrder sets the partition processing order.
func WithOrder(order []int) Option { return func(o *Options) { o.Order = order } }

// WithBucketOptions sets options for the bucket sets created by the compactor.
func WithBucketOptions(opts ...bucket.Option) Option {
	return func(o *Options) { o.BucketOptions = append(o.BucketOptions, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithRoundHook registers a callback invoked after every round.
func WithRoundHook(fn func(RoundStats)) Option { return func(o *Options) { o.OnRound = fn } }
