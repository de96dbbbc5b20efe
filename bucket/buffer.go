package bucket

import (
	"context"
	"encoding/binary"
)

// ThreadBuffer is a per-worker scratch buffer with one sub-buffer per
// partition. Records are framed as [uvarint length][payload]; a sub-buffer
// that reaches its capacity is handed to the partition writer as one write.
//
// A ThreadBuffer is owned by one goroutine between Borrow and Return.
type ThreadBuffer struct {
	set      *Set
	bufs     [][]byte
	counts   []int
	capacity int
}

func newThreadBuffer(s *Set, capacity int) *ThreadBuffer {
	return &ThreadBuffer{
		set:      s,
		bufs:     make([][]byte, len(s.writers)),
		counts:   make([]int, len(s.writers)),
		capacity: capacity,
	}
}

// Add appends one record to the sub-buffer of partition.
func (tb *ThreadBuffer) Add(partition int, payload []byte) error {
	b := tb.bufs[partition]
	if b == nil {
		b = make([]byte, 0, tb.capacity+binary.MaxVarintLen64)
	}
	b = binary.AppendUvarint(b, uint64(len(payload)))
	b = append(b, payload...)
	tb.bufs[partition] = b
	tb.counts[partition]++

	if len(b) >= tb.capacity {
		return tb.flush(partition)
	}
	return nil
}

func (tb *ThreadBuffer) flush(partition int) error {
	b := tb.bufs[partition]
	if len(b) == 0 {
		return nil
	}
	if err := tb.set.writers[partition].Write(b, tb.counts[partition]); err != nil {
		return err
	}
	tb.bufs[partition] = b[:0]
	tb.counts[partition] = 0
	return nil
}

// Flush hands every non-empty sub-buffer to its writer.
func (tb *ThreadBuffer) Flush() error {
	for p := range tb.bufs {
		if err := tb.flush(p); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of buffered, unflushed records.
func (tb *ThreadBuffer) Pending() int {
	n := 0
	for _, c := range tb.counts {
		n += c
	}
	return n
}

func (tb *ThreadBuffer) release() {
	for i := range tb.bufs {
		tb.bufs[i] = nil
	}
}

// BufferPool hands out a bounded number of thread buffers.
type BufferPool struct {
	ch  chan *ThreadBuffer
	all []*ThreadBuffer
}

func newBufferPool(s *Set, size, capacity int) *BufferPool {
	p := &BufferPool{ch: make(chan *ThreadBuffer, size)}
	for range size {
		tb := newThreadBuffer(s, capacity)
		p.all = append(p.all, tb)
		p.ch <- tb
	}
	return p
}

// Borrow takes a buffer, waiting until one is returned if all are in use.
func (p *BufferPool) Borrow(ctx context.Context) (*ThreadBuffer, error) {
	select {
	case tb := <-p.ch:
		return tb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return gives a buffer back. Buffered records stay in it until the next
// flush or Finalize.
func (p *BufferPool) Return(tb *ThreadBuffer) {
	p.ch <- tb
}

// Size returns the number of buffers owned by the pool.
func (p *BufferPool) Size() int { return len(p.all) }

// Available returns the number of buffers not currently borrowed.
func (p *BufferPool) Available() int { return len(p.ch) }
