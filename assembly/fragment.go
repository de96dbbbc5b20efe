package assembly

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/unitigo/partition"
)

// FragmentFlags carries per-fragment state bits.
type FragmentFlags uint8

const (
	// FlagLinked marks a fragment that had at least one candidate link and
	// therefore took part in compaction.
	FlagLinked FragmentFlags = 1 << iota
)

// Fragment is one input record as stored in the fragment buckets.
type Fragment struct {
	Key   partition.Key
	Flags FragmentFlags
	// Extra is opaque caller data carried along unchanged.
	Extra    []byte
	Sequence []byte
}

// Linked reports whether f took part in compaction.
func (f *Fragment) Linked() bool { return f.Flags&FlagLinked != 0 }

// AppendFragment encodes f and appends it to dst:
//
//	[flags u8][partition uvarint][index uvarint][extra-len uvarint][extra][sequence]
func AppendFragment(dst []byte, f *Fragment) []byte {
	dst = append(dst, byte(f.Flags))
	dst = binary.AppendUvarint(dst, uint64(f.Key.Partition))
	dst = binary.AppendUvarint(dst, f.Key.Index)
	dst = binary.AppendUvarint(dst, uint64(len(f.Extra)))
	dst = append(dst, f.Extra...)
	return append(dst, f.Sequence...)
}

var errShortFragment = fmt.Errorf("%w: truncated", ErrCorruptFragment)

// DecodeFragment decodes a fragment. Extra and Sequence alias b.
func DecodeFragment(b []byte) (Fragment, error) {
	var f Fragment
	if len(b) == 0 {
		return f, errShortFragment
	}
	f.Flags = FragmentFlags(b[0])
	if f.Flags&^FlagLinked != 0 {
		return f, fmt.Errorf("%w: unknown flags %#x", ErrCorruptFragment, uint8(f.Flags))
	}
	b = b[1:]

	var vals [3]uint64
	for i := range vals {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return f, errShortFragment
		}
		vals[i] = v
		b = b[n:]
	}
	if vals[0] > uint64(^uint32(0)) {
		return f, fmt.Errorf("%w: partition %d out of range", ErrCorruptFragment, vals[0])
	}
	if vals[2] > uint64(len(b)) {
		return f, errShortFragment
	}
	f.Key = partition.Key{Partition: uint32(vals[0]), Index: vals[1]}
	f.Extra = b[:vals[2]:vals[2]]
	f.Sequence = b[vals[2]:]
	return f, nil
}
