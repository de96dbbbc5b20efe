package assembly

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/partition"
)

// File name prefixes inside Options.Dir.
const (
	FragmentsPrefix   = "fragments"
	ReorganizedPrefix = "reorganized"
	LonelyPrefix      = "lonely"
)

var (
	// ErrMissingFragment is returned when a chain slot is still empty after
	// all routed fragments were placed.
	ErrMissingFragment = errors.New("assembly: missing fragment")
	// ErrUnknownFragment is returned when a routed fragment belongs to no
	// chain of the partition.
	ErrUnknownFragment = errors.New("assembly: fragment not in chain map")
	// ErrCorruptFragment is returned when a fragment record cannot be decoded.
	ErrCorruptFragment = errors.New("assembly: corrupt fragment")
)

// DefaultOverlap is the number of units adjacent fragments share.
const DefaultOverlap = 31

// DroppedChain describes a chain that was skipped because overlap trimming
// left a fragment without content.
type DroppedChain struct {
	ID        string
	Partition int
	Fragments int
}

// Options configures a Resolver or an Assembler.
type Options struct {
	// Dir is the directory output bucket sets are created in.
	Dir string

	Workers int
	// Overlap is the number of leading units a fragment shares with the
	// previous fragment of its chain.
	Overlap int

	// KeepIntermediate keeps consumed inputs instead of removing them.
	KeepIntermediate bool

	// Order is the partition processing order. Empty means ascending.
	Order []int

	BucketOptions []bucket.Option

	Logger *slog.Logger

	// OnDropped is called for every dropped chain.
	OnDropped func(DroppedChain)
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Workers: runtime.GOMAXPROCS(0),
		Overlap: DefaultOverlap,
	}
}

// Option configures a Resolver or an Assembler.
type Option func(*Options)

// WithDir sets the output directory.
func WithDir(dir string) Option { return func(o *Options) { o.Dir = dir } }

// WithWorkers sets the number of partitions processed concurrently.
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithOverlap sets the overlap between adjacent fragments.
func WithOverlap(k int) Option { return func(o *Options) { o.Overlap = k } }

// WithKeepIntermediate keeps consumed inputs.
func WithKeepIntermediate(keep bool) Option {
	return func(o *Options) { o.KeepIntermediate = keep }
}

// WithOrder sets the partition processing order.
func WithOrder(order []int) Option { return func(o *Options) { o.Order = order } }

// WithBucketOptions sets options for the bucket sets created by the resolver.
func WithBucketOptions(opts ...bucket.Option) Option {
	return func(o *Options) { o.BucketOptions = append(o.BucketOptions, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithDropHook registers a callback for dropped chains. The callback
// replaces the warning the assembler logs otherwise.
func WithDropHook(fn func(DroppedChain)) Option { return func(o *Options) { o.OnDropped = fn } }

func buildOptions(optFns []Option, partitions int) (Options, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Overlap < 0 {
		return opts, errors.New("assembly: negative overlap")
	}
	if len(opts.Order) != 0 && len(opts.Order) != partitions {
		return opts, errors.New("assembly: order does not cover every partition")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return opts, nil
}

func (o *Options) order(partitions int) []int {
	if len(o.Order) != 0 {
		return o.Order
	}
	order := make([]int, partitions)
	for i := range order {
		order[i] = i
	}
	return order
}

func keyError(op string, key partition.Key, err error) error {
	return fmt.Errorf("assembly: %s %s: %w", op, key, err)
}
