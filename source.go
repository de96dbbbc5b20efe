package unitigo

import "iter"

// Link is a candidate neighbour of one fragment side.
type Link struct {
	ID uint64
	// Reverse reports whether the neighbour is read reverse complemented
	// relative to the linking fragment.
	Reverse bool
}

// Fragment is one input record: a sequence of units and the candidate
// neighbours of its begin and end side. A side with exactly one candidate
// that names it back is merged; every other side ends a chain.
type Fragment struct {
	ID       uint64
	Sequence []byte
	Begin    []Link
	End      []Link
}

// Source yields the fragments of a run. The engine copies every fragment
// before the next one is requested, so a source may reuse its buffers.
type Source = iter.Seq2[Fragment, error]

// SliceSource returns a Source over frags.
func SliceSource(frags []Fragment) Source {
	return func(yield func(Fragment, error) bool) {
		for _, f := range frags {
			if !yield(f, nil) {
				return
			}
		}
	}
}
