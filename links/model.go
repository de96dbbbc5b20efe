package links

import (
	"fmt"

	"github.com/hupe1980/unitigo/internal/arena"
	"github.com/hupe1980/unitigo/partition"
)

// Side names one end of a fragment or segment in its stored orientation.
type Side uint8

const (
	Begin Side = iota
	End
)

// Opposite returns the other side.
func (s Side) Opposite() Side { return s ^ 1 }

func (s Side) String() string {
	if s == Begin {
		return "begin"
	}
	return "end"
}

// NeighborSide returns the side of a neighbour that touches side s of a
// fragment, given whether the neighbour is read reverse complemented.
func NeighborSide(s Side, reverse bool) Side {
	if reverse {
		return s
	}
	return s.Opposite()
}

// Endpoint is a fragment key with an orientation flag. Reverse marks a
// fragment that must be read as its reverse complement.
type Endpoint struct {
	partition.Key
	Reverse bool
}

func (e Endpoint) String() string {
	if e.Reverse {
		return e.Key.String() + "-"
	}
	return e.Key.String() + "+"
}

// Pointer addresses one side of a segment.
type Pointer struct {
	Valid bool
	Key   partition.Key
	Side  Side
}

// PointTo returns a valid pointer to side s of key.
func PointTo(key partition.Key, s Side) Pointer {
	return Pointer{Valid: true, Key: key, Side: s}
}

func (p Pointer) String() string {
	if !p.Valid {
		return "nil"
	}
	return fmt.Sprintf("%s/%s", p.Key, p.Side)
}

// Kind tags a link record.
type Kind uint8

const (
	// KindLink lists the candidate neighbours of one fragment side.
	KindLink Kind = iota + 1
	// KindProposal is a handshake message from one fragment side to the side
	// it wants to merge with.
	KindProposal
	// KindSegment is a partially merged chain waiting for further rounds.
	KindSegment
	// KindAbsorb tells a segment to take over the members of a neighbour.
	KindAbsorb
	// KindRedirect tells a segment that its neighbour on Side changed.
	KindRedirect
	// KindChain is a resolved chain keyed by its home fragment.
	KindChain
	// KindResult maps a member fragment to the home key of its chain.
	KindResult
)

var kindNames = [...]string{
	KindLink:     "link",
	KindProposal: "proposal",
	KindSegment:  "segment",
	KindAbsorb:   "absorb",
	KindRedirect: "redirect",
	KindChain:    "chain",
	KindResult:   "result",
}

func (k Kind) String() string {
	if k >= KindLink && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Flags carries per-record state bits.
type Flags uint8

const (
	// FlagPendingBegin marks a begin link awaiting its handshake.
	FlagPendingBegin Flags = 1 << iota
	// FlagPendingEnd marks an end link awaiting its handshake.
	FlagPendingEnd
	// FlagCircular marks a chain whose last entry repeats its first.
	FlagCircular
	// FlagReversed marks a linear chain whose home fragment is its last entry.
	FlagReversed
)

func pendingFlag(s Side) Flags {
	if s == Begin {
		return FlagPendingBegin
	}
	return FlagPendingEnd
}

// Record is the decoded form of every message exchanged between rounds.
// Which fields are meaningful depends on Kind:
//
//	Link      Entry, Side, Entries (candidates)
//	Proposal  Entry, Side, Ref (sender)
//	Segment   Entry, Flags, Links, Entries (members)
//	Absorb    Entry, Side, Ref (new link), Entries (oriented members)
//	Redirect  Entry, Side, Ref (new link)
//	Chain     Entry (home), Flags, Entries (members)
//	Result    Entry (member), Ref (home)
//
// Entries is a span into the batch arena the record was decoded into.
type Record struct {
	Kind    Kind
	Entry   partition.Key
	Side    Side
	Flags   Flags
	Ref     Pointer
	Links   [2]Pointer
	Entries arena.Span
}

// Batch holds the records of one partition file and the arena their entry
// lists live in. Spans are valid until the batch is reset.
type Batch struct {
	Records []Record
	Members *arena.Vec[Endpoint]
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{Members: arena.NewVec[Endpoint](1024)}
}

// Entries returns the entry list of r.
func (b *Batch) Entries(r *Record) []Endpoint { return b.Members.Get(r.Entries) }

// Reset drops all records and entries.
func (b *Batch) Reset() {
	b.Records = b.Records[:0]
	b.Members.Reset()
}

// Flip reverses a member list and toggles every orientation flag, turning a
// chain read begin-to-end into the same chain read end-to-begin.
func Flip(entries []Endpoint) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	for i := range entries {
		entries[i].Reverse = !entries[i].Reverse
	}
}
