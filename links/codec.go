package links

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/unitigo/internal/arena"
	"github.com/hupe1980/unitigo/partition"
)

// Wire layout of a record:
//
//	[kind u8][entry partition uvarint][entry index uvarint]
//	[side u8]?  [flags u8]?  [ref pointer]?  [links 2×pointer]?
//	[entries: count uvarint, (partition uvarint, index<<1|reverse uvarint)*]?
//
// A pointer is [valid u8] followed, when valid, by [partition][index][side].
// Which optional fields are present is fixed per kind.
type layout uint8

const (
	hasSide layout = 1 << iota
	hasFlags
	hasRef
	hasLinks
	hasEntries
)

var layouts = [...]layout{
	KindLink:     hasSide | hasEntries,
	KindProposal: hasSide | hasRef,
	KindSegment:  hasFlags | hasLinks | hasEntries,
	KindAbsorb:   hasSide | hasRef | hasEntries,
	KindRedirect: hasSide | hasRef,
	KindChain:    hasFlags | hasEntries,
	KindResult:   hasRef,
}

func layoutOf(k Kind) (layout, bool) {
	if k < KindLink || int(k) >= len(layouts) {
		return 0, false
	}
	return layouts[k], true
}

// Append encodes r with the given entry list and appends it to dst.
// r.Entries is ignored; entries are passed explicitly so callers can encode
// lists that do not live in an arena.
func Append(dst []byte, r *Record, entries []Endpoint) []byte {
	l, ok := layoutOf(r.Kind)
	if !ok {
		panic(fmt.Sprintf("links: encode %s", r.Kind))
	}
	dst = append(dst, byte(r.Kind))
	dst = appendKey(dst, r.Entry)
	if l&hasSide != 0 {
		dst = append(dst, byte(r.Side))
	}
	if l&hasFlags != 0 {
		dst = append(dst, byte(r.Flags))
	}
	if l&hasRef != 0 {
		dst = appendPointer(dst, r.Ref)
	}
	if l&hasLinks != 0 {
		dst = appendPointer(dst, r.Links[Begin])
		dst = appendPointer(dst, r.Links[End])
	}
	if l&hasEntries != 0 {
		dst = binary.AppendUvarint(dst, uint64(len(entries)))
		for _, e := range entries {
			dst = binary.AppendUvarint(dst, uint64(e.Partition))
			v := e.Index << 1
			if e.Reverse {
				v |= 1
			}
			dst = binary.AppendUvarint(dst, v)
		}
	}
	return dst
}

// AppendLink encodes the candidate list of one fragment side.
func AppendLink(dst []byte, key partition.Key, side Side, candidates []Endpoint) []byte {
	return Append(dst, &Record{Kind: KindLink, Entry: key, Side: side}, candidates)
}

func appendKey(dst []byte, k partition.Key) []byte {
	dst = binary.AppendUvarint(dst, uint64(k.Partition))
	return binary.AppendUvarint(dst, k.Index)
}

func appendPointer(dst []byte, p Pointer) []byte {
	if !p.Valid {
		return append(dst, 0)
	}
	dst = append(dst, 1)
	dst = appendKey(dst, p.Key)
	return append(dst, byte(p.Side))
}

// Decode parses one record. Its entries are appended to members and
// addressed by the returned record's Entries span. b is not retained.
func Decode(b []byte, members *arena.Vec[Endpoint]) (Record, error) {
	d := decoder{b: b}
	r := Record{Kind: Kind(d.byte())}
	l, ok := layoutOf(r.Kind)
	if !ok && d.err == nil {
		return Record{}, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, r.Kind)
	}
	r.Entry = d.key()
	if l&hasSide != 0 {
		r.Side = d.side()
	}
	if l&hasFlags != 0 {
		r.Flags = Flags(d.byte())
	}
	if l&hasRef != 0 {
		r.Ref = d.pointer()
	}
	if l&hasLinks != 0 {
		r.Links[Begin] = d.pointer()
		r.Links[End] = d.pointer()
	}
	if l&hasEntries != 0 {
		n := d.uvarint()
		// Every entry takes at least two bytes.
		if d.err == nil && n > uint64(len(d.b))/2 {
			return Record{}, fmt.Errorf("%w: %s with %d entries in %d bytes", ErrCorrupt, r.Kind, n, len(d.b))
		}
		span := members.Begin()
		for range n {
			p := d.uvarint()
			v := d.uvarint()
			members.Push(Endpoint{Key: partition.Key{Partition: uint32(p), Index: v >> 1}, Reverse: v&1 == 1})
		}
		r.Entries = members.Seal(span)
	}
	if d.err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.Kind, d.err)
	}
	if len(d.b) != 0 {
		return Record{}, fmt.Errorf("%w: %s: %d trailing bytes", ErrCorrupt, r.Kind, len(d.b))
	}
	return r, nil
}

var errTruncated = errors.New("truncated")

// decoder latches the first error so field reads can be chained.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.b) == 0 {
		d.err = errTruncated
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.b)
	if n <= 0 {
		d.err = errTruncated
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) key() partition.Key {
	p := d.uvarint()
	if p > 1<<32-1 && d.err == nil {
		d.err = fmt.Errorf("partition %d out of range", p)
	}
	return partition.Key{Partition: uint32(p), Index: d.uvarint()}
}

func (d *decoder) side() Side {
	s := d.byte()
	if s > byte(End) && d.err == nil {
		d.err = fmt.Errorf("invalid side %d", s)
	}
	return Side(s)
}

func (d *decoder) pointer() Pointer {
	switch d.byte() {
	case 0:
		return Pointer{}
	case 1:
		k := d.key()
		return PointTo(k, d.side())
	default:
		if d.err == nil {
			d.err = errors.New("invalid pointer tag")
		}
		return Pointer{}
	}
}
