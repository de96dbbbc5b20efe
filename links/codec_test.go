package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/unitigo/internal/arena"
	"github.com/hupe1980/unitigo/partition"
)

func key(p uint32, i uint64) partition.Key { return partition.Key{Partition: p, Index: i} }

func TestCodec_RoundTrip(t *testing.T) {
	members := arena.NewVec[Endpoint](8)

	seg := Record{
		Kind:  KindSegment,
		Entry: key(3, 1<<40),
		Flags: FlagPendingEnd,
		Links: [2]Pointer{{}, PointTo(key(0, 7), Begin)},
	}
	entries := []Endpoint{{Key: key(3, 1<<40)}, {Key: key(0, 7), Reverse: true}}

	got, err := Decode(Append(nil, &seg, entries), members)
	require.NoError(t, err)
	assert.Equal(t, seg.Entry, got.Entry)
	assert.Equal(t, seg.Flags, got.Flags)
	assert.Equal(t, seg.Links, got.Links)
	assert.Equal(t, entries, members.Get(got.Entries))

	// Kinds without entries leave the arena untouched.
	redirect := Record{Kind: KindRedirect, Entry: key(1, 2), Side: End, Ref: PointTo(key(2, 9), End)}
	got, err = Decode(Append(nil, &redirect, nil), members)
	require.NoError(t, err)
	assert.Equal(t, redirect, got)
	assert.Equal(t, 2, members.Len())

	link, err := Decode(AppendLink(nil, key(0, 5), Begin, []Endpoint{{Key: key(1, 6), Reverse: true}}), members)
	require.NoError(t, err)
	assert.Equal(t, KindLink, link.Kind)
	assert.Equal(t, Begin, link.Side)
	assert.Equal(t, []Endpoint{{Key: key(1, 6), Reverse: true}}, members.Get(link.Entries))
}

func TestCodec_Corrupt(t *testing.T) {
	members := arena.NewVec[Endpoint](8)
	b := AppendLink(nil, key(0, 5), End, []Endpoint{{Key: key(1, 6)}})

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown kind", append([]byte{99}, b[1:]...)},
		{"truncated", b[:len(b)-1]},
		{"trailing", append(append([]byte(nil), b...), 0)},
		{"bad side", []byte{byte(KindRedirect), 0, 0, 7, 0}},
		{"entry count", []byte{byte(KindLink), 0, 0, 0, 100, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data, members)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestNeighborSide(t *testing.T) {
	assert.Equal(t, Begin, NeighborSide(End, false))
	assert.Equal(t, End, NeighborSide(End, true))
	assert.Equal(t, End, NeighborSide(Begin, false))
	assert.Equal(t, Begin, NeighborSide(Begin, true))
}

func TestFlip(t *testing.T) {
	entries := []Endpoint{{Key: key(0, 1)}, {Key: key(0, 2), Reverse: true}, {Key: key(0, 3)}}
	Flip(entries)
	assert.Equal(t, []Endpoint{
		{Key: key(0, 3), Reverse: true},
		{Key: key(0, 2)},
		{Key: key(0, 1), Reverse: true},
	}, entries)
}
