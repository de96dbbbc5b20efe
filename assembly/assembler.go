package assembly

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/internal/arena"
	"github.com/hupe1980/unitigo/links"
	"github.com/hupe1980/unitigo/partition"
	"github.com/hupe1980/unitigo/sink"
	"github.com/hupe1980/unitigo/vfs"
)

// ChainInfo describes the chain a slot belongs to.
type ChainInfo struct {
	// IsStart is set on the first slot of every chain.
	IsStart    bool
	IsCircular bool
	// Reverse means the chain is emitted from its last slot to its first.
	Reverse bool
}

// Input is what an Assembler consumes, one file per partition each.
type Input struct {
	ChainMap    bucket.Files
	Reorganized bucket.Files
	Lonely      bucket.Files
}

// Stats summarizes an assembly run.
type Stats struct {
	Chains    uint64
	Circular  uint64
	Lonely    uint64
	Dropped   uint64
	Fragments uint64
	Units     uint64
}

type stats struct {
	chains, circular, lonely, dropped, fragments, units atomic.Uint64
}

func (s *stats) snapshot() *Stats {
	return &Stats{
		Chains:    s.chains.Load(),
		Circular:  s.circular.Load(),
		Lonely:    s.lonely.Load(),
		Dropped:   s.dropped.Load(),
		Fragments: s.fragments.Load(),
		Units:     s.units.Load(),
	}
}

// Assembler concatenates resolved chains and writes them to a sink.
type Assembler struct {
	mgr      *vfs.Manager
	strategy partition.Strategy
	sink     sink.Sink
	opts     Options
}

// NewAssembler creates an Assembler writing to out. The caller closes out.
func NewAssembler(mgr *vfs.Manager, strategy partition.Strategy, out sink.Sink, optFns ...Option) (*Assembler, error) {
	opts, err := buildOptions(optFns, strategy.Partitions())
	if err != nil {
		return nil, err
	}
	return &Assembler{mgr: mgr, strategy: strategy, sink: out, opts: opts}, nil
}

// Run assembles every partition of in.
func (a *Assembler) Run(ctx context.Context, in Input) (*Stats, error) {
	n := a.strategy.Partitions()
	for _, f := range []bucket.Files{in.ChainMap, in.Reorganized, in.Lonely} {
		if len(f.Paths) != n {
			return nil, fmt.Errorf("assembly: input has %d partitions, want %d", len(f.Paths), n)
		}
	}

	var st stats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for _, p := range a.opts.order(n) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w := &partitionAssembler{a: a, p: p, stats: &st}
			if err := w.run(gctx, in.ChainMap.Paths[p], in.Reorganized.Paths[p]); err != nil {
				return err
			}
			if err := w.lonely(gctx, in.Lonely.Paths[p]); err != nil {
				return err
			}
			if a.opts.KeepIntermediate {
				return nil
			}
			return bucket.Remove(a.mgr, []string{in.ChainMap.Paths[p], in.Reorganized.Paths[p], in.Lonely.Paths[p]}, false)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := st.snapshot()
	a.opts.Logger.Info("assembly: finished",
		"chains", out.Chains,
		"circular", out.Circular,
		"lonely", out.Lonely,
		"dropped", out.Dropped,
		"units", out.Units,
	)
	return out, nil
}

type slot struct {
	ChainInfo
	key partition.Key
	// reverse is the orientation of the fragment inside its chain.
	reverse bool
	seq     arena.Span
}

// partitionAssembler holds the state of one partition.
type partitionAssembler struct {
	a     *Assembler
	p     int
	stats *stats

	index  map[partition.Key]uint32
	slots  []slot
	filled *bitset.BitSet
	units  *arena.Vec[byte]
	buf    []byte
}

func (w *partitionAssembler) run(ctx context.Context, chainMap, reorganized string) error {
	if err := w.loadChains(chainMap); err != nil {
		return err
	}
	if err := w.place(reorganized); err != nil {
		return err
	}
	for i := 0; i < len(w.slots); {
		j := i + 1
		for j < len(w.slots) && !w.slots[j].IsStart {
			j++
		}
		if err := w.emitChain(ctx, w.slots[i:j]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// loadChains builds the key to slot table from the chain map. Slots are
// numbered in chain map order, so every chain occupies a contiguous run
// that starts with its IsStart slot.
func (w *partitionAssembler) loadChains(path string) error {
	w.index = make(map[partition.Key]uint32)
	members := arena.NewVec[links.Endpoint](256)
	for raw, err := range bucket.Records(w.a.mgr, path) {
		if err != nil {
			return fmt.Errorf("assembly: chain map %d: %w", w.p, err)
		}
		members.Reset()
		rec, err := links.Decode(raw, members)
		if err != nil {
			return fmt.Errorf("assembly: chain map %d: %w", w.p, err)
		}
		if err := w.addChain(&rec, members.Get(rec.Entries)); err != nil {
			return err
		}
	}
	w.filled = bitset.New(uint(len(w.slots)))
	return nil
}

func (w *partitionAssembler) addChain(rec *links.Record, entries []links.Endpoint) error {
	if rec.Kind != links.KindChain || int(rec.Entry.Partition) != w.p || len(entries) == 0 {
		return keyError("load", rec.Entry, fmt.Errorf("%w: %s record in chain map %d", links.ErrCorrupt, rec.Kind, w.p))
	}
	circular := len(entries) > 1 && entries[len(entries)-1] == entries[0]
	if circular != (rec.Flags&links.FlagCircular != 0) {
		return keyError("load", rec.Entry, fmt.Errorf("%w: circular flag does not match members", links.ErrCorrupt))
	}
	if circular {
		entries = entries[:len(entries)-1]
	}
	reverse := rec.Flags&links.FlagReversed != 0
	home := entries[0].Key
	if reverse {
		home = entries[len(entries)-1].Key
	}
	if home != rec.Entry {
		return keyError("load", rec.Entry, fmt.Errorf("%w: home is not a chain end", links.ErrCorrupt))
	}

	for i, e := range entries {
		if _, dup := w.index[e.Key]; dup {
			return keyError("load", e.Key, links.ErrDuplicateKey)
		}
		w.index[e.Key] = uint32(len(w.slots))
		w.slots = append(w.slots, slot{
			ChainInfo: ChainInfo{IsStart: i == 0, IsCircular: circular, Reverse: reverse},
			key:       e.Key,
			reverse:   e.Reverse,
		})
	}
	return nil
}

// place replays the reorganized fragments once and copies each one into
// its slot.
func (w *partitionAssembler) place(path string) error {
	w.units = arena.NewVec[byte](0)
	for raw, err := range bucket.Records(w.a.mgr, path) {
		if err != nil {
			return fmt.Errorf("assembly: reorganized %d: %w", w.p, err)
		}
		f, err := DecodeFragment(raw)
		if err != nil {
			return fmt.Errorf("assembly: reorganized %d: %w", w.p, err)
		}
		ord, ok := w.index[f.Key]
		if !ok {
			return keyError("place", f.Key, ErrUnknownFragment)
		}
		if w.filled.Test(uint(ord)) {
			return keyError("place", f.Key, links.ErrDuplicateKey)
		}
		w.filled.Set(uint(ord))
		w.slots[ord].seq = w.units.Append(f.Sequence...)
	}
	if int(w.filled.Count()) != len(w.slots) {
		missing, _ := w.filled.NextClear(0)
		return keyError("place", w.slots[missing].key, ErrMissingFragment)
	}
	return nil
}

// assemble concatenates chain into dst. It reports false when a fragment
// has nothing left after trimming the overlap.
func (w *partitionAssembler) assemble(dst []byte, chain []slot) ([]byte, bool) {
	info := chain[0].ChainInfo
	k := w.a.opts.Overlap
	n := len(chain)
	for step := range n {
		s := &chain[step]
		if info.Reverse {
			s = &chain[n-1-step]
		}
		seq := w.units.Get(s.seq)
		rc := s.reverse != info.Reverse

		if step == 0 {
			if len(seq) == 0 {
				return dst, false
			}
			if rc {
				dst = AppendReverseComplement(dst, seq)
			} else {
				dst = append(dst, seq...)
			}
			continue
		}
		// Adjacent fragments share exactly k units.
		if len(seq) <= k {
			return dst, false
		}
		if rc {
			dst = AppendReverseComplement(dst, seq[:len(seq)-k])
		} else {
			dst = append(dst, seq[k:]...)
		}
	}
	if info.IsCircular {
		dst = dst[:len(dst)-1]
	}
	return dst, true
}

func (w *partitionAssembler) emitChain(ctx context.Context, chain []slot) error {
	info := chain[0].ChainInfo
	home := chain[0].key
	if info.Reverse {
		home = chain[len(chain)-1].key
	}
	id := home.String()

	var ok bool
	w.buf, ok = w.assemble(w.buf[:0], chain)
	if !ok {
		w.drop(id, len(chain))
		return nil
	}
	if err := w.write(ctx, id, w.buf, len(chain), info.IsCircular); err != nil {
		return err
	}
	w.stats.chains.Add(1)
	if info.IsCircular {
		w.stats.circular.Add(1)
	}
	return nil
}

// lonely emits every fragment without links as a chain of its own.
func (w *partitionAssembler) lonely(ctx context.Context, path string) error {
	for raw, err := range bucket.Records(w.a.mgr, path) {
		if err != nil {
			return fmt.Errorf("assembly: lonely %d: %w", w.p, err)
		}
		f, err := DecodeFragment(raw)
		if err != nil {
			return fmt.Errorf("assembly: lonely %d: %w", w.p, err)
		}
		id := f.Key.String()
		if len(f.Sequence) == 0 {
			w.drop(id, 1)
			continue
		}
		if err := w.write(ctx, id, f.Sequence, 1, false); err != nil {
			return err
		}
		w.stats.lonely.Add(1)
	}
	return nil
}

func (w *partitionAssembler) write(ctx context.Context, id string, data []byte, fragments int, circular bool) error {
	err := w.a.sink.Write(ctx, sink.Sequence{
		ID:   id,
		Data: data,
		Meta: sink.Meta{Circular: circular, Fragments: fragments, Length: len(data)},
	})
	if err != nil {
		return fmt.Errorf("assembly: write %s: %w", id, err)
	}
	w.stats.fragments.Add(uint64(fragments))
	w.stats.units.Add(uint64(len(data)))
	return nil
}

func (w *partitionAssembler) drop(id string, fragments int) {
	w.stats.dropped.Add(1)
	if w.a.opts.OnDropped != nil {
		w.a.opts.OnDropped(DroppedChain{ID: id, Partition: w.p, Fragments: fragments})
		return
	}
	w.a.opts.Logger.Warn("assembly: dropped empty chain",
		"id", id,
		"partition", w.p,
		"fragments", fragments,
	)
}
