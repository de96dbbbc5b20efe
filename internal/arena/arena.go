package arena

// Span addresses a contiguous run of elements inside a Vec.
// Spans are plain index pairs; they stay valid as long as the Vec they were
// obtained from is not Reset.
type Span struct {
	Offset uint32
	Len    uint32
}

// End returns the index one past the last element.
func (s Span) End() uint32 { return s.Offset + s.Len }

// Vec is a flat, growable backing vector shared by many short lists.
// It replaces per-list heap allocations for one processing batch.
// A Vec is not safe for concurrent use.
type Vec[T any] struct {
	items []T
}

// NewVec creates a Vec with the given initial capacity.
func NewVec[T any](capacity int) *Vec[T] {
	return &Vec[T]{items: make([]T, 0, capacity)}
}

// Append stores values contiguously and returns their span.
func (v *Vec[T]) Append(values ...T) Span {
	off := len(v.items)
	v.items = append(v.items, values...)
	return Span{Offset: uint32(off), Len: uint32(len(values))}
}

// Begin starts an incremental list. Push elements, then call Seal.
func (v *Vec[T]) Begin() Span {
	return Span{Offset: uint32(len(v.items))}
}

// Push appends a single element to the list opened by Begin.
func (v *Vec[T]) Push(value T) {
	v.items = append(v.items, value)
}

// Seal closes the list opened by Begin.
func (v *Vec[T]) Seal(s Span) Span {
	s.Len = uint32(len(v.items)) - s.Offset
	return s
}

// Get returns the elements covered by s.
// The returned slice aliases the backing vector and must not be retained
// past the next Append or Reset.
func (v *Vec[T]) Get(s Span) []T {
	return v.items[s.Offset:s.End():s.End()]
}

// At returns the i-th element of s.
func (v *Vec[T]) At(s Span, i int) T {
	return v.items[int(s.Offset)+i]
}

// Len returns the number of stored elements.
func (v *Vec[T]) Len() int { return len(v.items) }

// Reset drops all elements and invalidates every span handed out so far.
func (v *Vec[T]) Reset() {
	clear(v.items)
	v.items = v.items[:0]
}
