package unitigo

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/unitigo/assembly"
	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/counters"
	"github.com/hupe1980/unitigo/internal/arena"
	"github.com/hupe1980/unitigo/links"
	"github.com/hupe1980/unitigo/partition"
	"github.com/hupe1980/unitigo/vfs"
)

const (
	batchFragments = 1024
	batchUnits     = 4 << 20
)

// pendingFragment is a fragment copied into a batch.
type pendingFragment struct {
	id         uint64
	seq        arena.Span
	begin, end arena.Span
}

// fragmentBatch carries fragments from the source to a bucketing worker.
type fragmentBatch struct {
	items []pendingFragment
	units *arena.Vec[byte]
	links *arena.Vec[Link]
}

func newFragmentBatch() *fragmentBatch {
	return &fragmentBatch{
		items: make([]pendingFragment, 0, batchFragments),
		units: arena.NewVec[byte](64 << 10),
		links: arena.NewVec[Link](2 * batchFragments),
	}
}

func (b *fragmentBatch) add(f *Fragment) {
	b.items = append(b.items, pendingFragment{
		id:    f.ID,
		seq:   b.units.Append(f.Sequence...),
		begin: b.links.Append(f.Begin...),
		end:   b.links.Append(f.End...),
	})
}

func (b *fragmentBatch) full() bool {
	return len(b.items) >= batchFragments || b.units.Len() >= batchUnits
}

func (b *fragmentBatch) reset() {
	b.items = b.items[:0]
	b.units.Reset()
	b.links.Reset()
}

type bucketed struct {
	fragments bucket.Files
	links     bucket.Files
	analyzer  *counters.Analyzer
	count     uint64
}

// bucketing writes every fragment of src to fragments.<p> and the candidate
// lists of its sides to links.<p>, where p is the partition of its ID.
func (e *Engine) bucketing(ctx context.Context, src Source) (*bucketed, error) {
	n := e.strategy.Partitions()
	opts := append(e.cfg.bucketOptions(),
		bucket.WithPriority(vfs.PriorityIntermediate),
		bucket.WithLogger(e.logger.Logger),
	)
	fragSet, err := bucket.NewSet(e.mgr, filepath.Join(e.cfg.TempDir, assembly.FragmentsPrefix), n, opts...)
	if err != nil {
		return nil, err
	}
	defer e.abortSet(fragSet)
	linkSet, err := bucket.NewSet(e.mgr, links.RoundPrefix(e.cfg.TempDir, 0), n, slices.Clone(opts)...)
	if err != nil {
		return nil, err
	}
	defer e.abortSet(linkSet)

	raw := counters.NewRaw(n, e.strategy.SubPartitions())
	batches := make(chan *fragmentBatch, e.cfg.Workers)
	pool := sync.Pool{New: func() any { return newFragmentBatch() }}
	var count atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	for range e.cfg.Workers {
		g.Go(func() error {
			w := &bucketWorker{strategy: e.strategy, raw: raw}
			var err error
			if w.fragments, err = fragSet.Borrow(gctx); err != nil {
				return err
			}
			defer fragSet.Return(w.fragments)
			if w.links, err = linkSet.Borrow(gctx); err != nil {
				return err
			}
			defer linkSet.Return(w.links)

			for b := range batches {
				if err := w.write(b); err != nil {
					return err
				}
				b.reset()
				pool.Put(b)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(batches)
		send := func(b *fragmentBatch) error {
			select {
			case batches <- b:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		b := pool.Get().(*fragmentBatch)
		for f, err := range src {
			if err != nil {
				return err
			}
			b.add(&f)
			count.Add(1)
			if b.full() {
				if err := send(b); err != nil {
					return err
				}
				b = pool.Get().(*fragmentBatch)
			}
		}
		if len(b.items) == 0 {
			return nil
		}
		return send(b)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &bucketed{count: count.Load()}
	if out.fragments, err = fragSet.Finalize(); err != nil {
		return nil, err
	}
	if out.links, err = linkSet.Finalize(); err != nil {
		return nil, err
	}
	out.analyzer = counters.New(raw)
	return out, nil
}

// abortSet drops the partition files of a set that was not finalized.
func (e *Engine) abortSet(s *bucket.Set) {
	if err := s.Abort(); err != nil {
		e.logger.Warn("abort bucket set", "prefix", s.Prefix(), "error", err)
	}
}

// bucketWorker encodes batches into its thread buffers.
type bucketWorker struct {
	strategy  partition.Strategy
	raw       *counters.Raw
	fragments *bucket.ThreadBuffer
	links     *bucket.ThreadBuffer

	buf       []byte
	endpoints []links.Endpoint
}

func (w *bucketWorker) write(b *fragmentBatch) error {
	for _, it := range b.items {
		key := partition.KeyOf(w.strategy, it.id)
		sides := [2][]Link{b.links.Get(it.begin), b.links.Get(it.end)}

		frag := assembly.Fragment{Key: key, Sequence: b.units.Get(it.seq)}
		if len(sides[0])+len(sides[1]) > 0 {
			frag.Flags |= assembly.FlagLinked
		}
		w.buf = assembly.AppendFragment(w.buf[:0], &frag)
		if err := w.fragments.Add(int(key.Partition), w.buf); err != nil {
			return err
		}

		for side, candidates := range sides {
			if len(candidates) == 0 {
				continue
			}
			w.endpoints = w.endpoints[:0]
			for _, l := range candidates {
				w.endpoints = append(w.endpoints, links.Endpoint{
					Key:     partition.KeyOf(w.strategy, l.ID),
					Reverse: l.Reverse,
				})
			}
			w.buf = links.AppendLink(w.buf[:0], key, links.Side(side), w.endpoints)
			if err := w.links.Add(int(key.Partition), w.buf); err != nil {
				return err
			}
		}
		w.raw.Add(int(key.Partition), int(w.strategy.SubPartition(it.id)), 1)
	}
	return nil
}
