package testutil

// Link is a candidate neighbour of one fragment side. Following the side
// reaches fragment ID; Reverse reports whether ID is read reverse complemented
// relative to the linking fragment.
type Link struct {
	ID      uint64
	Reverse bool
}

// Fragment is a synthetic input fragment with its candidate links.
type Fragment struct {
	ID    uint64
	Seq   []byte
	Begin []Link
	End   []Link
}

// Chain is a synthetic chain split into overlapping fragments.
type Chain struct {
	Fragments []Fragment
	// Sequence is the expected assembly when reading the chain from its
	// first fragment forward. Circular chains are trimmed by one unit.
	Sequence []byte
	Circular bool
}

// IDs returns the fragment identifiers in chain order.
func (c Chain) IDs() []uint64 {
	ids := make([]uint64, len(c.Fragments))
	for i, f := range c.Fragments {
		ids[i] = f.ID
	}
	return ids
}

// Chain builds n fragments of fragLen units that overlap by k units.
// Fragment IDs are firstID..firstID+n-1 in chain order and every fragment
// is stored in a random orientation.
func (r *RNG) Chain(firstID uint64, n, k, fragLen int, circular bool) Chain {
	if n <= 0 || fragLen <= k {
		panic("testutil: invalid chain shape")
	}
	step := fragLen - k

	var genome []byte
	if circular && n > 1 {
		genome = r.DNA(n * step)
		genome = append(genome, genome[:fragLen]...)
	} else {
		genome = r.DNA(fragLen + (n-1)*step)
	}

	flipped := make([]bool, n)
	frags := make([]Fragment, n)
	for i := range n {
		flipped[i] = r.Bool()
		seq := append([]byte(nil), genome[i*step:i*step+fragLen]...)
		if flipped[i] {
			seq = ReverseComplement(seq)
		}
		frags[i] = Fragment{ID: firstID + uint64(i), Seq: seq}
	}

	connect := func(a, b int) {
		rev := flipped[a] != flipped[b]
		// a's chain-forward end to b's chain-forward begin.
		if flipped[a] {
			frags[a].Begin = append(frags[a].Begin, Link{ID: frags[b].ID, Reverse: rev})
		} else {
			frags[a].End = append(frags[a].End, Link{ID: frags[b].ID, Reverse: rev})
		}
		if flipped[b] {
			frags[b].End = append(frags[b].End, Link{ID: frags[a].ID, Reverse: rev})
		} else {
			frags[b].Begin = append(frags[b].Begin, Link{ID: frags[a].ID, Reverse: rev})
		}
	}
	for i := 0; i+1 < n; i++ {
		connect(i, i+1)
	}
	if circular {
		connect(n-1, 0)
	}

	expected := append([]byte(nil), genome[:fragLen+(n-1)*step]...)
	if circular {
		expected = expected[:len(expected)-1]
	}
	return Chain{Fragments: frags, Sequence: expected, Circular: circular}
}
