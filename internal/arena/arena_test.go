package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVec_AppendGet(t *testing.T) {
	v := NewVec[int](4)

	a := v.Append(1, 2, 3)
	b := v.Append()
	c := v.Append(4, 5)

	assert.Equal(t, Span{Offset: 0, Len: 3}, a)
	assert.Equal(t, uint32(0), b.Len)
	assert.Equal(t, []int{1, 2, 3}, v.Get(a))
	assert.Empty(t, v.Get(b))
	assert.Equal(t, []int{4, 5}, v.Get(c))
	assert.Equal(t, 5, v.At(c, 1))
	assert.Equal(t, 5, v.Len())
}

func TestVec_GetDoesNotLeakCapacity(t *testing.T) {
	v := NewVec[int](8)
	a := v.Append(1, 2)
	b := v.Append(3)

	got := v.Get(a)
	got = append(got, 99)
	require.Len(t, got, 3)
	// Appending to a returned view must not overwrite the next span.
	assert.Equal(t, []int{3}, v.Get(b))
}

func TestVec_Incremental(t *testing.T) {
	v := NewVec[string](0)
	v.Append("x")

	s := v.Begin()
	v.Push("a")
	v.Push("b")
	s = v.Seal(s)

	assert.Equal(t, Span{Offset: 1, Len: 2}, s)
	assert.Equal(t, []string{"a", "b"}, v.Get(s))
}

func TestVec_Reset(t *testing.T) {
	v := NewVec[int](0)
	v.Append(1, 2, 3)
	v.Reset()
	assert.Zero(t, v.Len())

	s := v.Append(7)
	assert.Equal(t, uint32(0), s.Offset)
	assert.Equal(t, []int{7}, v.Get(s))
}
