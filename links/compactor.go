package links

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/internal/hash"
	"github.com/hupe1980/unitigo/partition"
	"github.com/hupe1980/unitigo/vfs"
)

// File name prefixes inside Options.Dir.
const (
	ChainMapPrefix   = "chain_map"
	ResultsMapPrefix = "results_map"
	roundPrefix      = "links"
)

// RoundPrefix returns the file prefix of the input of round r. Round 0 reads
// the bucketed link records written by the caller.
func RoundPrefix(dir string, r int) string {
	return filepath.Join(dir, roundName(r))
}

func roundName(r int) string {
	if r == 0 {
		return roundPrefix
	}
	return fmt.Sprintf("%s%d", roundPrefix, r)
}

// Result summarizes a finished compaction.
type Result struct {
	Rounds   int
	Chains   uint64
	Circular uint64
	Members  uint64

	// ChainMap holds one KindChain record per chain, in the partition of the
	// chain's home fragment.
	ChainMap bucket.Files
	// ResultsMap holds one KindResult record per member, in the partition of
	// the member.
	ResultsMap bucket.Files
}

// Compactor contracts a partitioned link graph into maximal chains.
//
// Round 0 turns the candidate lists of every fragment side into single
// fragment segments and exchanges handshake proposals. A link survives only
// if both sides name each other as their sole candidate. Every later round
// confirms handshakes, applies the merge messages of the previous round and
// lets every segment whose round priority beats all its neighbours merge
// into one of them. A component with at least two segments always has such
// a maximum, so the number of segments shrinks every round until only
// resolved chains are left.
type Compactor struct {
	mgr      *vfs.Manager
	strategy partition.Strategy
	opts     Options
}

// New creates a compactor.
func New(mgr *vfs.Manager, strategy partition.Strategy, optFns ...Option) (*Compactor, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRounds <= 0 {
		return nil, fmt.Errorf("links: invalid round limit %d", opts.MaxRounds)
	}
	if n := strategy.Partitions(); len(opts.Order) != 0 && len(opts.Order) != n {
		return nil, fmt.Errorf("links: order covers %d of %d partitions", len(opts.Order), n)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Compactor{mgr: mgr, strategy: strategy, opts: opts}, nil
}

// Run compacts the link records in input, which must hold one file per
// partition, until no segment is left.
//
// On failure every file written so far is removed.
func (c *Compactor) Run(ctx context.Context, input bucket.Files) (_ *Result, err error) {
	n := c.strategy.Partitions()
	if len(input.Paths) != n {
		return nil, fmt.Errorf("links: input has %d partitions, want %d", len(input.Paths), n)
	}

	chains, err := c.newSet(ChainMapPrefix, vfs.PriorityFinalMaps)
	if err != nil {
		return nil, err
	}
	defer c.abort(chains)
	results, err := c.newSet(ResultsMapPrefix, vfs.PriorityFinalMaps)
	if err != nil {
		return nil, err
	}
	defer c.abort(results)

	res := &Result{}
	paths := input.Paths
	// owned is set while paths holds a finalized round of this run.
	owned := false
	defer func() {
		if err != nil && owned && !c.opts.KeepIntermediate {
			if rerr := bucket.Remove(c.mgr, paths, false); rerr != nil {
				c.opts.Logger.Warn("links: remove round files", "error", rerr)
			}
		}
	}()
	for round := 0; ; round++ {
		if round >= c.opts.MaxRounds {
			return nil, fmt.Errorf("%w: %d rounds", ErrCompactionStalled, round)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		next, err := c.newSet(roundName(round+1), vfs.PriorityIntermediate)
		if err != nil {
			return nil, err
		}

		var counters roundCounters
		if err := c.round(ctx, round, paths, &output{next: next, chains: chains, results: results}, &counters); err != nil {
			c.abort(next)
			return nil, err
		}
		files, err := next.Finalize()
		if err != nil {
			c.abort(next)
			return nil, err
		}
		prev, prevOwned := paths, owned
		paths, owned = files.Paths, true
		if prevOwned && !c.opts.KeepIntermediate {
			if err := bucket.Remove(c.mgr, prev, false); err != nil {
				return nil, err
			}
		}

		stats := counters.stats(round, time.Since(start))
		res.Rounds = round + 1
		res.Chains += stats.Chains
		res.Circular += counters.circular.Load()
		res.Members += counters.members.Load()

		c.opts.Logger.Debug("links: round finished",
			"round", round,
			"remaining", stats.Remaining,
			"messages", stats.Messages,
			"merges", stats.Merges,
			"chains", stats.Chains,
			"duration", stats.Duration,
		)
		if c.opts.OnRound != nil {
			c.opts.OnRound(stats)
		}

		if stats.Remaining == 0 {
			if stats.Messages != 0 {
				return nil, fmt.Errorf("%w: %d messages left after round %d", ErrUnresolvedLink, stats.Messages, round)
			}
			break
		}
	}
	if !c.opts.KeepIntermediate {
		if err := bucket.Remove(c.mgr, paths, false); err != nil {
			return nil, err
		}
		owned = false
	}

	if res.ChainMap, err = chains.Finalize(); err != nil {
		return nil, err
	}
	if res.ResultsMap, err = results.Finalize(); err != nil {
		return nil, err
	}
	c.opts.Logger.Info("links: compaction finished",
		"rounds", res.Rounds,
		"chains", res.Chains,
		"circular", res.Circular,
		"members", res.Members,
	)
	return res, nil
}

func (c *Compactor) newSet(prefix string, prio vfs.Priority) (*bucket.Set, error) {
	opts := append(slices.Clone(c.opts.BucketOptions),
		bucket.WithPriority(prio),
		bucket.WithPoolSize(c.opts.Workers),
	)
	return bucket.NewSet(c.mgr, filepath.Join(c.opts.Dir, prefix), c.strategy.Partitions(), opts...)
}

func (c *Compactor) abort(s *bucket.Set) {
	if err := s.Abort(); err != nil {
		c.opts.Logger.Warn("links: abort set", "prefix", s.Prefix(), "error", err)
	}
}

func (c *Compactor) order() []int {
	if len(c.opts.Order) != 0 {
		return c.opts.Order
	}
	order := make([]int, c.strategy.Partitions())
	for i := range order {
		order[i] = i
	}
	return order
}

func (c *Compactor) round(ctx context.Context, round int, paths []string, out *output, counters *roundCounters) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for _, p := range c.order() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			w := &worker{c: c, round: round, partition: p, counters: counters, batch: NewBatch()}
			if err := w.load(paths[p]); err != nil {
				return err
			}
			release, err := w.borrow(ctx, out)
			if err != nil {
				return err
			}
			defer release()
			return w.run()
		})
	}
	return g.Wait()
}

type output struct {
	next, chains, results *bucket.Set
}

type roundCounters struct {
	remaining atomic.Uint64
	messages  atomic.Uint64
	merges    atomic.Uint64
	chains    atomic.Uint64
	circular  atomic.Uint64
	members   atomic.Uint64
}

func (rc *roundCounters) stats(round int, d time.Duration) RoundStats {
	return RoundStats{
		Round:     round,
		Remaining: rc.remaining.Load(),
		Messages:  rc.messages.Load(),
		Merges:    rc.merges.Load(),
		Chains:    rc.chains.Load(),
		Duration:  d,
	}
}

// worker processes one partition of one round.
type worker struct {
	c         *Compactor
	round     int
	partition int
	counters  *roundCounters
	batch     *Batch

	next, chains, results *bucket.ThreadBuffer

	buf     []byte
	scratch []Endpoint
}

func (w *worker) load(path string) error {
	for raw, err := range bucket.Records(w.c.mgr, path) {
		if err != nil {
			return fmt.Errorf("links: round %d: %w", w.round, err)
		}
		r, err := Decode(raw, w.batch.Members)
		if err != nil {
			return fmt.Errorf("links: round %d: %s: %w", w.round, path, err)
		}
		if int(r.Entry.Partition) != w.partition {
			return w.invariant("load", r.Entry, fmt.Errorf("%w: %s record in partition %d", ErrCorrupt, r.Kind, w.partition))
		}
		w.batch.Records = append(w.batch.Records, r)
	}
	return nil
}

// borrow checks out one thread buffer from every output set. The returned
// release function gives all of them back.
func (w *worker) borrow(ctx context.Context, out *output) (func(), error) {
	sets := []*bucket.Set{out.next, out.chains, out.results}
	tbs := make([]*bucket.ThreadBuffer, 0, len(sets))
	release := func() {
		for i, tb := range tbs {
			sets[i].Return(tb)
		}
	}
	for _, s := range sets {
		tb, err := s.Borrow(ctx)
		if err != nil {
			release()
			return nil, err
		}
		tbs = append(tbs, tb)
	}
	w.next, w.chains, w.results = tbs[0], tbs[1], tbs[2]
	return release, nil
}

func (w *worker) run() error {
	recs := w.batch.Records
	cmp := w.c.strategy.Compare
	slices.SortFunc(recs, func(a, b Record) int {
		if c := cmp(a.Entry, b.Entry); c != 0 {
			return c
		}
		return int(a.Kind) - int(b.Kind)
	})

	for i := 0; i < len(recs); {
		j := i + 1
		for j < len(recs) && cmp(recs[i].Entry, recs[j].Entry) == 0 {
			j++
		}
		var err error
		if w.round == 0 {
			err = w.handshake(recs[i:j])
		} else {
			err = w.resolve(recs[i:j])
		}
		if err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (w *worker) invariant(op string, key partition.Key, err error) error {
	return &InvariantError{Op: op, Round: w.round, Key: key, Err: err}
}

// emit encodes r and routes it to the partition of target.
func (w *worker) emit(tb *bucket.ThreadBuffer, target partition.Key, r *Record, entries []Endpoint) error {
	if int(target.Partition) >= w.c.strategy.Partitions() {
		return w.invariant("emit", target, fmt.Errorf("%w: partition out of range", ErrCorrupt))
	}
	w.buf = Append(w.buf[:0], r, entries)
	return tb.Add(int(target.Partition), w.buf)
}

func (w *worker) message(r *Record, entries []Endpoint) error {
	w.counters.messages.Add(1)
	return w.emit(w.next, r.Entry, r, entries)
}

// handshake builds the single fragment segment of one key from its link
// records and proposes every side with exactly one candidate.
func (w *worker) handshake(group []Record) error {
	key := group[0].Entry
	seg := Record{Kind: KindSegment, Entry: key}

	var seen [2]bool
	for i := range group {
		r := &group[i]
		if r.Kind != KindLink {
			return w.invariant("handshake", key, fmt.Errorf("%w: unexpected %s record", ErrCorrupt, r.Kind))
		}
		if seen[r.Side] {
			return w.invariant("handshake", key, fmt.Errorf("%w: two link records for side %s", ErrDuplicateMessage, r.Side))
		}
		seen[r.Side] = true

		cands := w.batch.Entries(r)
		if len(cands) != 1 {
			continue
		}
		nb := cands[0]
		ns := NeighborSide(r.Side, nb.Reverse)
		if nb.Key == key && ns == r.Side {
			// A side folding back onto itself cannot be part of a chain.
			continue
		}
		seg.Links[r.Side] = PointTo(nb.Key, ns)
		seg.Flags |= pendingFlag(r.Side)
		p := Record{Kind: KindProposal, Entry: nb.Key, Side: ns, Ref: PointTo(key, r.Side)}
		if err := w.message(&p, nil); err != nil {
			return err
		}
	}

	w.counters.remaining.Add(1)
	return w.emit(w.next, key, &seg, []Endpoint{{Key: key}})
}

// inbox is the segment of one key together with the messages addressed to it.
type inbox struct {
	seg       *Record
	proposals []*Record
	absorb    [2]*Record
	redirect  [2]*Record
}

func (w *worker) collect(group []Record) (inbox, error) {
	var in inbox
	key := group[0].Entry
	for i := range group {
		r := &group[i]
		switch r.Kind {
		case KindSegment:
			if in.seg != nil {
				return in, w.invariant("collect", key, ErrDuplicateKey)
			}
			in.seg = r
		case KindProposal:
			in.proposals = append(in.proposals, r)
		case KindAbsorb:
			if in.absorb[r.Side] != nil {
				return in, w.invariant("collect", key, fmt.Errorf("%w: two absorbs on side %s", ErrDuplicateMessage, r.Side))
			}
			in.absorb[r.Side] = r
		case KindRedirect:
			if in.redirect[r.Side] != nil {
				return in, w.invariant("collect", key, fmt.Errorf("%w: two redirects on side %s", ErrDuplicateMessage, r.Side))
			}
			in.redirect[r.Side] = r
		default:
			return in, w.invariant("collect", key, fmt.Errorf("%w: unexpected %s record", ErrCorrupt, r.Kind))
		}
	}
	for s := range in.absorb {
		if in.absorb[s] != nil && in.redirect[s] != nil {
			return in, w.invariant("collect", key, fmt.Errorf("%w: absorb and redirect on side %s", ErrDuplicateMessage, Side(s)))
		}
	}
	return in, nil
}

// resolve applies the messages of one key to its segment and then completes,
// merges or forwards the segment.
func (w *worker) resolve(group []Record) error {
	key := group[0].Entry
	in, err := w.collect(group)
	if err != nil {
		return err
	}
	if in.seg == nil {
		for s := range in.absorb {
			if in.absorb[s] != nil || in.redirect[s] != nil {
				return w.invariant("resolve", key, ErrUnresolvedLink)
			}
		}
		// Proposals to a fragment without links of its own are rejections.
		return nil
	}

	seg := *in.seg
	for _, s := range [...]Side{Begin, End} {
		if seg.Flags&pendingFlag(s) == 0 {
			continue
		}
		confirmed := false
		for _, p := range in.proposals {
			if p.Side == s && p.Ref == seg.Links[s] {
				confirmed = true
				break
			}
		}
		if !confirmed {
			seg.Links[s] = Pointer{}
		}
	}
	seg.Flags &^= FlagPendingBegin | FlagPendingEnd

	members := w.members(&seg, in.absorb)
	for s, r := range in.absorb {
		if r != nil {
			seg.Links[s] = r.Ref
		}
	}
	for s, r := range in.redirect {
		if r != nil {
			seg.Links[s] = r.Ref
		}
	}

	self := [2]Pointer{PointTo(key, End), PointTo(key, Begin)}
	switch {
	case !seg.Links[Begin].Valid && !seg.Links[End].Valid:
		return w.complete(members, false)
	case seg.Links == self:
		return w.complete(members, true)
	case seg.Links[Begin].Valid && seg.Links[Begin].Key == key,
		seg.Links[End].Valid && seg.Links[End].Key == key:
		return w.invariant("resolve", key, fmt.Errorf("%w: hairpin links %s %s", ErrCorrupt, seg.Links[Begin], seg.Links[End]))
	}

	if w.isLocalMax(key, seg.Links) {
		return w.merge(key, &seg, members)
	}
	w.counters.remaining.Add(1)
	return w.emit(w.next, key, &seg, members)
}

// members returns the member list of seg after prepending and appending the
// members carried by absorb messages. The result lives in w.scratch.
func (w *worker) members(seg *Record, absorb [2]*Record) []Endpoint {
	out := w.scratch[:0]
	if r := absorb[Begin]; r != nil {
		out = append(out, w.batch.Entries(r)...)
	}
	out = append(out, w.batch.Entries(seg)...)
	if r := absorb[End]; r != nil {
		out = append(out, w.batch.Entries(r)...)
	}
	w.scratch = out
	return out
}

func priority(k partition.Key, round int) uint64 {
	return hash.Pair(k.Index, uint64(round)<<32|uint64(k.Partition))
}

// beats reports whether a outranks b in the current round.
func (w *worker) beats(a, b partition.Key) bool {
	pa, pb := priority(a, w.round), priority(b, w.round)
	if pa != pb {
		return pa > pb
	}
	return w.c.strategy.Compare(a, b) > 0
}

func (w *worker) isLocalMax(key partition.Key, links [2]Pointer) bool {
	for _, l := range links {
		if l.Valid && !w.beats(key, l.Key) {
			return false
		}
	}
	return true
}

// merge hands the members of a locally maximal segment to its neighbour on
// side x and points the far neighbour at the receiver.
func (w *worker) merge(key partition.Key, seg *Record, members []Endpoint) error {
	x := End
	if !seg.Links[End].Valid {
		x = Begin
	}
	target := seg.Links[x]
	far := seg.Links[x.Opposite()]

	if x == target.Side {
		Flip(members)
	}
	absorb := Record{Kind: KindAbsorb, Entry: target.Key, Side: target.Side, Ref: far}
	if err := w.message(&absorb, members); err != nil {
		return err
	}
	if far.Valid {
		redirect := Record{Kind: KindRedirect, Entry: far.Key, Side: far.Side, Ref: target}
		if err := w.message(&redirect, nil); err != nil {
			return err
		}
	}
	w.counters.merges.Add(1)
	return nil
}

// complete writes a resolved chain to the chain map and one result record
// per member to the results map.
func (w *worker) complete(members []Endpoint, circular bool) error {
	cmp := w.c.strategy.Compare
	chain := Record{Kind: KindChain}

	if circular {
		members = w.rotate(members)
		chain.Flags |= FlagCircular
		chain.Entry = members[0].Key
	} else {
		chain.Entry = members[0].Key
		if last := members[len(members)-1].Key; cmp(last, chain.Entry) < 0 {
			chain.Entry = last
			chain.Flags |= FlagReversed
		}
	}

	if err := w.emit(w.chains, chain.Entry, &chain, members); err != nil {
		return err
	}

	unique := members
	if circular {
		unique = members[:len(members)-1]
	}
	for _, m := range unique {
		r := Record{Kind: KindResult, Entry: m.Key, Ref: PointTo(chain.Entry, Begin)}
		if err := w.emit(w.results, m.Key, &r, nil); err != nil {
			return err
		}
	}

	w.counters.chains.Add(1)
	w.counters.members.Add(uint64(len(unique)))
	if circular {
		w.counters.circular.Add(1)
	}
	return nil
}

// rotate starts a circular member list at its smallest key, picks a
// canonical direction and repeats the first entry at the end.
func (w *worker) rotate(members []Endpoint) []Endpoint {
	cmp := w.c.strategy.Compare
	m := len(members)
	start := 0
	for i := 1; i < m; i++ {
		if cmp(members[i].Key, members[start].Key) < 0 {
			start = i
		}
	}
	out := make([]Endpoint, 0, m+1)
	out = append(out, members[start:]...)
	out = append(out, members[:start]...)

	var flip bool
	if m > 2 {
		flip = cmp(out[m-1].Key, out[1].Key) < 0
	} else {
		flip = out[0].Reverse
	}
	if flip {
		Flip(out)
		// Bring the start back to the front.
		first := out[m-1]
		copy(out[1:], out[:m-1])
		out[0] = first
	}
	return append(out, out[0])
}
