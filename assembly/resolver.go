package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/internal/arena"
	"github.com/hupe1980/unitigo/links"
	"github.com/hupe1980/unitigo/partition"
	"github.com/hupe1980/unitigo/vfs"
)

// Routed is the output of a Resolver.
type Routed struct {
	// Reorganized holds every linked fragment in the partition of its
	// chain's home fragment.
	Reorganized bucket.Files
	// Lonely holds every fragment without links in its own partition.
	Lonely bucket.Files

	Linked   uint64
	Unlinked uint64
}

// Resolver routes fragments to the partition their chain is assembled in.
type Resolver struct {
	mgr      *vfs.Manager
	strategy partition.Strategy
	opts     Options
}

// NewResolver creates a Resolver.
func NewResolver(mgr *vfs.Manager, strategy partition.Strategy, optFns ...Option) (*Resolver, error) {
	opts, err := buildOptions(optFns, strategy.Partitions())
	if err != nil {
		return nil, err
	}
	return &Resolver{mgr: mgr, strategy: strategy, opts: opts}, nil
}

// Run replays fragments against the results map produced by compaction.
// Both inputs must hold one file per partition.
func (r *Resolver) Run(ctx context.Context, fragments, resultsMap bucket.Files) (*Routed, error) {
	n := r.strategy.Partitions()
	if len(fragments.Paths) != n || len(resultsMap.Paths) != n {
		return nil, fmt.Errorf("assembly: inputs have %d and %d partitions, want %d",
			len(fragments.Paths), len(resultsMap.Paths), n)
	}

	reorganized, err := r.newSet(ReorganizedPrefix)
	if err != nil {
		return nil, err
	}
	defer r.abort(reorganized)
	lonely, err := r.newSet(LonelyPrefix)
	if err != nil {
		return nil, err
	}
	defer r.abort(lonely)

	var linked, unlinked atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, p := range r.opts.order(n) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			homes, err := r.loadResults(p, resultsMap.Paths[p])
			if err != nil {
				return err
			}
			l, u, err := r.route(gctx, p, fragments.Paths[p], homes, reorganized, lonely)
			if err != nil {
				return err
			}
			linked.Add(l)
			unlinked.Add(u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Routed{Linked: linked.Load(), Unlinked: unlinked.Load()}
	if out.Reorganized, err = reorganized.Finalize(); err != nil {
		return nil, err
	}
	if out.Lonely, err = lonely.Finalize(); err != nil {
		return nil, err
	}
	if !r.opts.KeepIntermediate {
		if err := bucket.Remove(r.mgr, resultsMap.Paths, false); err != nil {
			return nil, err
		}
		if err := bucket.Remove(r.mgr, fragments.Paths, false); err != nil {
			return nil, err
		}
	}
	r.opts.Logger.Info("assembly: fragments routed",
		"linked", out.Linked,
		"unlinked", out.Unlinked,
	)
	return out, nil
}

func (r *Resolver) abort(s *bucket.Set) {
	if err := s.Abort(); err != nil {
		r.opts.Logger.Warn("assembly: abort set", "prefix", s.Prefix(), "error", err)
	}
}

func (r *Resolver) newSet(prefix string) (*bucket.Set, error) {
	opts := append(slices.Clone(r.opts.BucketOptions),
		bucket.WithPriority(vfs.PriorityIntermediate),
		bucket.WithPoolSize(r.opts.Workers),
	)
	return bucket.NewSet(r.mgr, filepath.Join(r.opts.Dir, prefix), r.strategy.Partitions(), opts...)
}

// loadResults maps the index of every member of partition p to the home key
// of its chain.
func (r *Resolver) loadResults(p int, path string) (map[uint64]partition.Key, error) {
	homes := make(map[uint64]partition.Key)
	scratch := arena.NewVec[links.Endpoint](0)
	for raw, err := range bucket.Records(r.mgr, path) {
		if err != nil {
			return nil, fmt.Errorf("assembly: results map %d: %w", p, err)
		}
		rec, err := links.Decode(raw, scratch)
		if err != nil {
			return nil, fmt.Errorf("assembly: results map %d: %w", p, err)
		}
		if rec.Kind != links.KindResult || int(rec.Entry.Partition) != p || !rec.Ref.Valid {
			return nil, keyError("resolve", rec.Entry, fmt.Errorf("%w: %s record in results map %d", links.ErrCorrupt, rec.Kind, p))
		}
		if _, dup := homes[rec.Entry.Index]; dup {
			return nil, keyError("resolve", rec.Entry, links.ErrDuplicateKey)
		}
		homes[rec.Entry.Index] = rec.Ref.Key
	}
	return homes, nil
}

// route replays the fragments of partition p once. Linked fragments go to
// the reorganized set at their home partition, unlinked ones to the lonely
// set at p.
func (r *Resolver) route(ctx context.Context, p int, path string, homes map[uint64]partition.Key, reorganized, lonely *bucket.Set) (linked, unlinked uint64, err error) {
	re, err := reorganized.Borrow(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer reorganized.Return(re)
	lo, err := lonely.Borrow(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer lonely.Return(lo)

	seen := roaring64.NewBitmap()
	for raw, err := range bucket.Records(r.mgr, path) {
		if err != nil {
			return 0, 0, fmt.Errorf("assembly: fragments %d: %w", p, err)
		}
		f, err := DecodeFragment(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("assembly: fragments %d: %w", p, err)
		}
		if int(f.Key.Partition) != p {
			return 0, 0, keyError("route", f.Key, fmt.Errorf("%w: fragment stored in partition %d", links.ErrCorrupt, p))
		}
		if seen.Contains(f.Key.Index) {
			return 0, 0, keyError("route", f.Key, links.ErrDuplicateKey)
		}
		seen.Add(f.Key.Index)

		home, ok := homes[f.Key.Index]
		switch {
		case ok && f.Linked():
			if err := re.Add(int(home.Partition), raw); err != nil {
				return 0, 0, err
			}
			linked++
		case !ok && !f.Linked():
			if err := lo.Add(p, raw); err != nil {
				return 0, 0, err
			}
			unlinked++
		case ok:
			return 0, 0, keyError("route", f.Key, fmt.Errorf("%w: unlinked fragment in results map", links.ErrCorrupt))
		default:
			return 0, 0, keyError("route", f.Key, links.ErrUnresolvedLink)
		}
	}

	if linked != uint64(len(homes)) {
		for idx := range homes {
			if !seen.Contains(idx) {
				key := partition.Key{Partition: uint32(p), Index: idx}
				return 0, 0, keyError("route", key, ErrMissingFragment)
			}
		}
	}
	r.opts.Logger.Debug("assembly: partition routed",
		slog.Int("partition", p),
		slog.Uint64("linked", linked),
		slog.Uint64("unlinked", unlinked),
	)
	return linked, unlinked, nil
}
