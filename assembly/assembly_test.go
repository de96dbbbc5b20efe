package assembly

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/internal/resource"
	"github.com/hupe1980/unitigo/links"
	"github.com/hupe1980/unitigo/partition"
	"github.com/hupe1980/unitigo/sink"
	"github.com/hupe1980/unitigo/testutil"
	"github.com/hupe1980/unitigo/vfs"
)

type fixture struct {
	t        *testing.T
	dir      string
	mgr      *vfs.Manager
	strategy partition.Strategy
}

func newFixture(t *testing.T, partitions int) *fixture {
	t.Helper()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 20})
	mgr, err := vfs.New(vfs.WithController(rc), vfs.WithChunkSize(4<<10))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	s, err := partition.NewModulo(partitions, 1)
	require.NoError(t, err)
	return &fixture{t: t, dir: t.TempDir(), mgr: mgr, strategy: s}
}

func (f *fixture) key(id uint64) partition.Key { return partition.KeyOf(f.strategy, id) }

// write buckets one record per (partition, payload) pair under prefix.
func (f *fixture) write(prefix string, fill func(add func(p uint32, payload []byte))) bucket.Files {
	f.t.Helper()
	set, err := bucket.NewSet(f.mgr, filepath.Join(f.t.TempDir(), prefix), f.strategy.Partitions())
	require.NoError(f.t, err)
	require.NoError(f.t, set.With(f.t.Context(), func(tb *bucket.ThreadBuffer) error {
		var werr error
		fill(func(p uint32, payload []byte) {
			if werr == nil {
				werr = tb.Add(int(p), payload)
			}
		})
		return werr
	}))
	files, err := set.Finalize()
	require.NoError(f.t, err)
	return files
}

func (f *fixture) fragments(prefix string, frags ...Fragment) bucket.Files {
	return f.write(prefix, func(add func(uint32, []byte)) {
		for i := range frags {
			add(frags[i].Key.Partition, AppendFragment(nil, &frags[i]))
		}
	})
}

type chainDef struct {
	flags   links.Flags
	members []links.Endpoint
}

func (f *fixture) chainMap(chains ...chainDef) bucket.Files {
	return f.write(links.ChainMapPrefix, func(add func(uint32, []byte)) {
		for _, c := range chains {
			home := c.members[0].Key
			if c.flags&links.FlagReversed != 0 {
				home = c.members[len(c.members)-1].Key
			}
			r := links.Record{Kind: links.KindChain, Entry: home, Flags: c.flags}
			add(home.Partition, links.Append(nil, &r, c.members))
		}
	})
}

func (f *fixture) empty(prefix string) bucket.Files {
	return f.write(prefix, func(func(uint32, []byte)) {})
}

func (f *fixture) assemble(in Input, opts ...Option) (*Stats, []sink.Sequence, error) {
	f.t.Helper()
	out := sink.NewMemorySink()
	a, err := NewAssembler(f.mgr, f.strategy, out, append([]Option{WithOverlap(3), WithWorkers(2)}, opts...)...)
	require.NoError(f.t, err)
	st, err := a.Run(f.t.Context(), in)
	return st, out.Sequences(), err
}

func TestAssembler_Orientation(t *testing.T) {
	f := newFixture(t, 1)
	a, b := f.key(1), f.key(2)

	// Genome ACGTACGGT split into ACGTAC and TACGGT, the second stored
	// reverse complemented.
	frags := []Fragment{
		{Key: a, Flags: FlagLinked, Sequence: []byte("ACGTAC")},
		{Key: b, Flags: FlagLinked, Sequence: ReverseComplement([]byte("TACGGT"))},
	}

	for name, c := range map[string]chainDef{
		"forward":  {members: []links.Endpoint{{Key: a}, {Key: b, Reverse: true}}},
		"reversed": {flags: links.FlagReversed, members: []links.Endpoint{{Key: b}, {Key: a, Reverse: true}}},
	} {
		t.Run(name, func(t *testing.T) {
			st, seqs, err := f.assemble(Input{
				ChainMap:    f.chainMap(c),
				Reorganized: f.fragments(ReorganizedPrefix, frags...),
				Lonely:      f.empty(LonelyPrefix),
			})
			require.NoError(t, err)
			require.Len(t, seqs, 1)
			assert.Equal(t, "ACGTACGGT", string(seqs[0].Data))
			assert.Equal(t, a.String(), seqs[0].ID)
			assert.Equal(t, sink.Meta{Fragments: 2, Length: 9}, seqs[0].Meta)
			assert.Equal(t, uint64(1), st.Chains)
			assert.Equal(t, uint64(9), st.Units)
		})
	}
}

func TestAssembler_CircularTrimsOneUnit(t *testing.T) {
	f := newFixture(t, 2)
	d, x, y := f.key(4), f.key(6), f.key(8)

	st, seqs, err := f.assemble(Input{
		ChainMap: f.chainMap(
			chainDef{flags: links.FlagCircular, members: []links.Endpoint{{Key: d}, {Key: d}}},
			chainDef{flags: links.FlagCircular, members: []links.Endpoint{{Key: x}, {Key: y}, {Key: x}}},
		),
		Reorganized: f.fragments(ReorganizedPrefix,
			Fragment{Key: d, Flags: FlagLinked, Sequence: []byte("GATTACA")},
			Fragment{Key: x, Flags: FlagLinked, Sequence: []byte("AACCGG")},
			Fragment{Key: y, Flags: FlagLinked, Sequence: []byte("CGGTTA")},
		),
		Lonely: f.empty(LonelyPrefix),
	})
	require.NoError(t, err)
	require.Len(t, seqs, 2)

	assert.Equal(t, d.String(), seqs[0].ID)
	assert.Equal(t, "GATTAC", string(seqs[0].Data))
	assert.True(t, seqs[0].Meta.Circular)

	// Naive concatenation AACCGGTTA loses its last unit.
	assert.Equal(t, "AACCGGTT", string(seqs[1].Data))
	assert.Equal(t, 2, seqs[1].Meta.Fragments)
	assert.Equal(t, uint64(2), st.Circular)
}

func TestAssembler_DropsOnlyEmptyChains(t *testing.T) {
	f := newFixture(t, 1)
	a, b, c := f.key(1), f.key(2), f.key(3)
	lone, empty := f.key(7), f.key(8)

	var dropped []DroppedChain
	st, seqs, err := f.assemble(Input{
		ChainMap: f.chainMap(
			chainDef{members: []links.Endpoint{{Key: a}, {Key: b}}},
			chainDef{members: []links.Endpoint{{Key: c}}},
		),
		Reorganized: f.fragments(ReorganizedPrefix,
			Fragment{Key: a, Flags: FlagLinked, Sequence: []byte("ACGTT")},
			Fragment{Key: b, Flags: FlagLinked, Sequence: []byte("GTT")},
			Fragment{Key: c, Flags: FlagLinked, Sequence: []byte("CCCC")},
		),
		Lonely: f.fragments(LonelyPrefix,
			Fragment{Key: lone, Sequence: []byte("TTT"), Extra: []byte("meta")},
			Fragment{Key: empty},
		),
	}, WithDropHook(func(d DroppedChain) { dropped = append(dropped, d) }))
	require.NoError(t, err)

	require.Len(t, seqs, 2)
	assert.Equal(t, "CCCC", string(seqs[0].Data))
	assert.Equal(t, lone.String(), seqs[1].ID)
	assert.Equal(t, sink.Meta{Fragments: 1, Length: 3}, seqs[1].Meta)

	assert.ElementsMatch(t, []DroppedChain{
		{ID: a.String(), Fragments: 2},
		{ID: empty.String(), Fragments: 1},
	}, dropped)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, uint64(1), st.Lonely)
}

func TestAssembler_Errors(t *testing.T) {
	f := newFixture(t, 1)
	a, b := f.key(1), f.key(2)
	frag := func(k partition.Key) Fragment {
		return Fragment{Key: k, Flags: FlagLinked, Sequence: []byte("ACGTACGT")}
	}

	t.Run("missing fragment", func(t *testing.T) {
		_, _, err := f.assemble(Input{
			ChainMap:    f.chainMap(chainDef{members: []links.Endpoint{{Key: a}, {Key: b}}}),
			Reorganized: f.fragments(ReorganizedPrefix, frag(a)),
			Lonely:      f.empty(LonelyPrefix),
		})
		assert.ErrorIs(t, err, ErrMissingFragment)
	})

	t.Run("duplicate key in chain map", func(t *testing.T) {
		_, _, err := f.assemble(Input{
			ChainMap: f.chainMap(
				chainDef{members: []links.Endpoint{{Key: a}, {Key: b}}},
				chainDef{members: []links.Endpoint{{Key: b}}},
			),
			Reorganized: f.fragments(ReorganizedPrefix, frag(a), frag(b)),
			Lonely:      f.empty(LonelyPrefix),
		})
		assert.ErrorIs(t, err, links.ErrDuplicateKey)
	})

	t.Run("unknown fragment", func(t *testing.T) {
		_, _, err := f.assemble(Input{
			ChainMap:    f.chainMap(chainDef{members: []links.Endpoint{{Key: a}}}),
			Reorganized: f.fragments(ReorganizedPrefix, frag(a), frag(b)),
			Lonely:      f.empty(LonelyPrefix),
		})
		assert.ErrorIs(t, err, ErrUnknownFragment)
	})

	t.Run("circular flag mismatch", func(t *testing.T) {
		_, _, err := f.assemble(Input{
			ChainMap:    f.chainMap(chainDef{members: []links.Endpoint{{Key: a}, {Key: a}}}),
			Reorganized: f.fragments(ReorganizedPrefix, frag(a)),
			Lonely:      f.empty(LonelyPrefix),
		})
		assert.ErrorIs(t, err, links.ErrCorrupt)
	})
}

func TestFragment_Codec(t *testing.T) {
	in := Fragment{
		Key:      partition.Key{Partition: 3, Index: 1 << 40},
		Flags:    FlagLinked,
		Extra:    []byte{1, 2},
		Sequence: []byte("ACGT"),
	}
	out, err := DecodeFragment(AppendFragment(nil, &in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeFragment([]byte{0x80})
	assert.ErrorIs(t, err, ErrCorruptFragment)
	_, err = DecodeFragment([]byte{0, 1, 2, 9, 'A'})
	assert.ErrorIs(t, err, ErrCorruptFragment)
}

func TestReverseComplement(t *testing.T) {
	assert.Equal(t, []byte("ACGTN"), ReverseComplement([]byte("NACGT")))
	assert.Equal(t, []byte("tgca"), ReverseComplement([]byte("tgca")))
	assert.Equal(t, testutil.ReverseComplement([]byte("GATTACA")), ReverseComplement([]byte("GATTACA")))
}

// pipeline runs compaction, resolution and assembly on synthetic chains.
type pipeline struct {
	*fixture
	k int
}

func (p *pipeline) run(chains []testutil.Chain, lonely []testutil.Fragment) (*Routed, *Stats, []sink.Sequence) {
	t := p.t
	t.Helper()

	endpoints := func(ls []testutil.Link) []links.Endpoint {
		out := make([]links.Endpoint, len(ls))
		for i, l := range ls {
			out[i] = links.Endpoint{Key: p.key(l.ID), Reverse: l.Reverse}
		}
		return out
	}

	var all []testutil.Fragment
	for _, c := range chains {
		all = append(all, c.Fragments...)
	}
	linkFiles := p.write(filepath.Base(links.RoundPrefix(p.dir, 0)), func(add func(uint32, []byte)) {
		for _, fr := range all {
			k := p.key(fr.ID)
			for side, ls := range [2][]testutil.Link{fr.Begin, fr.End} {
				if len(ls) > 0 {
					add(k.Partition, links.AppendLink(nil, k, links.Side(side), endpoints(ls)))
				}
			}
		}
	})
	fragFiles := p.write(FragmentsPrefix, func(add func(uint32, []byte)) {
		for _, fr := range all {
			f := Fragment{Key: p.key(fr.ID), Sequence: fr.Seq}
			if len(fr.Begin)+len(fr.End) > 0 {
				f.Flags |= FlagLinked
			}
			add(f.Key.Partition, AppendFragment(nil, &f))
		}
		for _, fr := range lonely {
			f := Fragment{Key: p.key(fr.ID), Sequence: fr.Seq}
			add(f.Key.Partition, AppendFragment(nil, &f))
		}
	})

	c, err := links.New(p.mgr, p.strategy, links.WithDir(p.dir), links.WithWorkers(3))
	require.NoError(t, err)
	res, err := c.Run(t.Context(), linkFiles)
	require.NoError(t, err)

	r, err := NewResolver(p.mgr, p.strategy, WithDir(p.dir), WithWorkers(3))
	require.NoError(t, err)
	routed, err := r.Run(t.Context(), fragFiles, res.ResultsMap)
	require.NoError(t, err)

	out := sink.NewMemorySink()
	a, err := NewAssembler(p.mgr, p.strategy, out, WithOverlap(p.k), WithWorkers(3))
	require.NoError(t, err)
	st, err := a.Run(t.Context(), Input{ChainMap: res.ChainMap, Reorganized: routed.Reorganized, Lonely: routed.Lonely})
	require.NoError(t, err)
	return routed, st, out.Sequences()
}

// sameCycle reports whether got and want spell the same cyclic sequence of
// length n, in either direction.
func sameCycle(got, want []byte, n int) bool {
	if len(got) < n || len(want) < n {
		return false
	}
	doubled := append(append([]byte(nil), want[:n]...), want[:n]...)
	rc := ReverseComplement(want[:n])
	rcDoubled := append(append([]byte(nil), rc...), rc...)
	return bytes.Contains(doubled, got[:n]) || bytes.Contains(rcDoubled, got[:n])
}

func TestPipeline_SyntheticChains(t *testing.T) {
	const k, fragLen = 5, 12
	p := &pipeline{fixture: newFixture(t, 4), k: k}
	rng := testutil.NewRNG(42)

	var chains []testutil.Chain
	id := uint64(1)
	for _, shape := range []struct {
		n        int
		circular bool
	}{{1, false}, {2, false}, {7, false}, {30, false}, {1, true}, {3, true}, {12, true}} {
		chains = append(chains, rng.Chain(id, shape.n, k, fragLen, shape.circular))
		id += uint64(shape.n)
	}
	lonely := []testutil.Fragment{{ID: id, Seq: rng.DNA(fragLen)}}

	routed, st, seqs := p.run(chains, lonely)
	// The single linear fragment has no links and is emitted on its own.
	assert.Equal(t, uint64(2), routed.Unlinked)
	assert.Equal(t, uint64(len(chains)-1), st.Chains)
	assert.Equal(t, uint64(3), st.Circular)
	assert.Equal(t, uint64(2), st.Lonely)
	require.Len(t, seqs, len(chains)+1)

	byLength := map[int][]sink.Sequence{}
	for _, s := range seqs {
		byLength[len(s.Data)] = append(byLength[len(s.Data)], s)
	}
	for _, c := range chains {
		cands := byLength[len(c.Sequence)]
		found := false
		for _, s := range cands {
			if s.Meta.Circular != c.Circular || s.Meta.Fragments != len(c.Fragments) {
				continue
			}
			switch {
			case c.Circular && len(c.Fragments) == 1:
				// A self-loop keeps the stored orientation.
				seq := c.Fragments[0].Seq
				found = found || bytes.Equal(s.Data, seq[:len(seq)-1])
			case c.Circular:
				found = found || sameCycle(s.Data, c.Sequence, len(c.Fragments)*(fragLen-k))
			default:
				found = found || bytes.Equal(testutil.Canonical(s.Data), testutil.Canonical(c.Sequence))
			}
		}
		assert.True(t, found, "no output for chain starting at %d", c.Fragments[0].ID)
	}
}

func TestResolver_Routing(t *testing.T) {
	f := newFixture(t, 2)
	a, b, c := f.key(2), f.key(3), f.key(4)

	results := func(pairs ...[2]partition.Key) bucket.Files {
		return f.write(links.ResultsMapPrefix, func(add func(uint32, []byte)) {
			for _, pr := range pairs {
				r := links.Record{Kind: links.KindResult, Entry: pr[0], Ref: links.PointTo(pr[1], links.Begin)}
				add(pr[0].Partition, links.Append(nil, &r, nil))
			}
		})
	}
	resolve := func(frags bucket.Files, res bucket.Files) (*Routed, error) {
		r, err := NewResolver(f.mgr, f.strategy, WithDir(f.t.TempDir()), WithKeepIntermediate(true))
		require.NoError(t, err)
		return r.Run(t.Context(), frags, res)
	}
	linked := func(k partition.Key) Fragment {
		return Fragment{Key: k, Flags: FlagLinked, Sequence: []byte("ACGT")}
	}

	t.Run("routes to home partition", func(t *testing.T) {
		routed, err := resolve(
			f.fragments(FragmentsPrefix, linked(a), linked(b), Fragment{Key: c, Sequence: []byte("GG")}),
			results([2]partition.Key{a, a}, [2]partition.Key{b, a}),
		)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), routed.Linked)
		assert.Equal(t, uint64(1), routed.Unlinked)
		assert.Equal(t, bucket.Count{}, routed.Reorganized.Counts[1])
		assert.Equal(t, uint64(2), routed.Reorganized.Counts[0].Records)
		assert.Equal(t, uint64(1), routed.Lonely.Counts[0].Records)
	})

	t.Run("linked fragment without result", func(t *testing.T) {
		_, err := resolve(f.fragments(FragmentsPrefix, linked(a)), results())
		assert.ErrorIs(t, err, links.ErrUnresolvedLink)
	})

	t.Run("result without fragment", func(t *testing.T) {
		_, err := resolve(f.fragments(FragmentsPrefix, linked(a)), results([2]partition.Key{a, a}, [2]partition.Key{c, a}))
		assert.ErrorIs(t, err, ErrMissingFragment)
	})

	t.Run("duplicate fragment", func(t *testing.T) {
		_, err := resolve(f.fragments(FragmentsPrefix, linked(a), linked(a)), results([2]partition.Key{a, a}))
		assert.ErrorIs(t, err, links.ErrDuplicateKey)
	})
}
