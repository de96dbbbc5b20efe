package partition

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXXHash_Deterministic(t *testing.T) {
	a, err := NewXXHash(16, 8)
	require.NoError(t, err)
	b, err := NewXXHash(16, 8)
	require.NoError(t, err)

	seen := make(map[uint32]int)
	for id := range uint64(10_000) {
		p := a.Assign(id)
		assert.Equal(t, p, b.Assign(id))
		assert.Less(t, p, uint32(16))
		assert.Less(t, a.SubPartition(id), uint32(8))
		seen[p]++
	}
	// Every partition gets a reasonable share.
	require.Len(t, seen, 16)
	for _, n := range seen {
		assert.Greater(t, n, 10_000/16/2)
	}
}

func TestModulo(t *testing.T) {
	s, err := NewModulo(4, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), s.Assign(7))
	assert.Equal(t, uint32(1), s.SubPartition(7))
	assert.Equal(t, Key{Partition: 1, Index: 5}, KeyOf(s, 5))
	assert.Equal(t, "1_5", KeyOf(s, 5).String())
}

func TestCompareKeys(t *testing.T) {
	keys := []Key{{2, 1}, {0, 9}, {1, 3}, {0, 2}}
	slices.SortFunc(keys, CompareKeys)
	assert.Equal(t, []Key{{0, 2}, {0, 9}, {1, 3}, {2, 1}}, keys)
	assert.Zero(t, CompareKeys(Key{1, 1}, Key{1, 1}))
}

func TestValidate(t *testing.T) {
	_, err := NewXXHash(0, 1)
	assert.Error(t, err)
	_, err = NewModulo(4, 0)
	assert.Error(t, err)
}
